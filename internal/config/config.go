package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App     AppConfig
	Sync    SyncConfig
	History HistoryConfig
	Upload  UploadConfig
}

type AppConfig struct {
	Environment string
	LogFilePath string
	ChatHubURL  string
	APIBaseURL  string
}

type SyncConfig struct {
	StreamWatchdogTimeout time.Duration
	ReconcileTolerance    time.Duration
}

type HistoryConfig struct {
	PageSize       int
	SearchDebounce time.Duration
}

type UploadConfig struct {
	UploadURL string
	// How long a finished or abandoned upload stays queryable before the
	// registry evicts it.
	RetainFor time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "chat-sync.log"),
			ChatHubURL:  getEnv("CHAT_HUB_URL", "ws://localhost:3000/chatHub"),
			APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:3000/api/v1"),
		},
		Sync: SyncConfig{
			StreamWatchdogTimeout: time.Duration(getEnvAsInt("STREAM_WATCHDOG_SECONDS", 30)) * time.Second,
			ReconcileTolerance:    time.Duration(getEnvAsInt("RECONCILE_TOLERANCE_SECONDS", 2)) * time.Second,
		},
		History: HistoryConfig{
			PageSize:       getEnvAsInt("HISTORY_PAGE_SIZE", 20),
			SearchDebounce: time.Duration(getEnvAsInt("SEARCH_DEBOUNCE_MS", 400)) * time.Millisecond,
		},
		Upload: UploadConfig{
			UploadURL: getEnv("UPLOAD_URL", "http://localhost:3000/api/v1/files/upload"),
			RetainFor: time.Duration(getEnvAsInt("UPLOAD_RETAIN_MINUTES", 60)) * time.Minute,
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}
