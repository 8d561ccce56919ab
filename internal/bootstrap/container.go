package bootstrap

import (
	"context"

	"chat-sync-core/internal/aggregator"
	"chat-sync-core/internal/config"
	"chat-sync-core/internal/connection"
	"chat-sync-core/internal/connection/live"
	"chat-sync-core/internal/event"
	"chat-sync-core/internal/history"
	"chat-sync-core/internal/model"
	"chat-sync-core/internal/notify"
	"chat-sync-core/internal/pkg/logger"
	"chat-sync-core/internal/upload"
	"chat-sync-core/pkg/bus"
)

// Container wires the sync engine: one transcript, one connection session,
// one signal bus, shared by every component.
type Container struct {
	Config *config.Config
	Logger logger.ILogger
	Signal *bus.Bus

	Session    *model.ConnectionSession
	Tracker    *connection.Tracker
	Live       *live.Client
	Aggregator *aggregator.Aggregator
	Paginator  *history.Paginator
	Uploads    *upload.Coordinator
	Router     *notify.Router

	unsubscribe func()
}

func NewContainer(cfg *config.Config, room string) *Container {
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// 1. Shared state and signal bus
	signalBus := bus.New()
	session := model.NewConnectionSession()

	// 2. Connection: tracker first, transport bound after (they reference
	// each other)
	tracker := connection.NewTracker(session, nil, sysLogger)
	liveClient := live.New(cfg.App.ChatHubURL, room, tracker, sysLogger)
	tracker.BindSender(liveClient)

	// 3. Transcript pipeline
	agg := aggregator.New(tracker, signalBus, sysLogger, aggregator.Options{
		WatchdogTimeout:    cfg.Sync.StreamWatchdogTimeout,
		ReconcileTolerance: cfg.Sync.ReconcileTolerance,
	})
	paginator := history.NewPaginator(
		history.NewClient(cfg.App.APIBaseURL),
		agg,
		sysLogger,
		cfg.History.PageSize,
		cfg.History.SearchDebounce,
	)
	uploads := upload.NewCoordinator(
		upload.NewClient(cfg.Upload.UploadURL),
		agg,
		signalBus,
		sysLogger,
		cfg.Upload.RetainFor,
	)
	router := notify.NewRouter(agg, signalBus, sysLogger)

	// 4. Inbound fan-out: transcript mutations to the aggregator, system
	// events to the router
	unsubscribe := liveClient.OnEvent(func(ev *event.LiveEvent) {
		if ev.ForAggregator() {
			agg.ApplyLiveEvent(ev)
			return
		}
		router.Route(ev)
	})

	return &Container{
		Config:      cfg,
		Logger:      sysLogger,
		Signal:      signalBus,
		Session:     session,
		Tracker:     tracker,
		Live:        liveClient,
		Aggregator:  agg,
		Paginator:   paginator,
		Uploads:     uploads,
		Router:      router,
		unsubscribe: unsubscribe,
	}
}

// Run starts the connection lifecycle and the stream watchdog. Blocks until
// ctx is cancelled.
func (c *Container) Run(ctx context.Context) {
	go c.Aggregator.RunWatchdog(ctx)
	c.Live.Run(ctx)
}

// Logout tears down session state: connection session reset, transcript
// dropped, pending search timers cancelled.
func (c *Container) Logout() {
	c.unsubscribe()
	c.Paginator.Close()
	c.Aggregator.Reset()
	c.Tracker.Reset()
	_ = c.Logger.Sync()
}
