package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"
	"chat-sync-core/pkg/bus"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// ErrUploadFailed is surfaced to the composer; the owning message stays in
// the transcript with the attachment marked failed.
var ErrUploadFailed = errors.New("attachment upload failed")

// File is the raw blob handed to StartUpload.
type File struct {
	Name      string
	MimeClass model.MimeClass
	Data      []byte
}

// API is the consumed upload endpoint boundary.
type API interface {
	Upload(ctx context.Context, file File, onProgress func(float64)) (string, error)
}

// Patcher is the aggregator's attachment entry point. The coordinator never
// touches the transcript directly.
type Patcher interface {
	ApplyUploadPatch(localId, remoteURL string)
	MarkUploadFailed(localId string)
}

// State is the tracked lifecycle of one in-flight upload.
type State struct {
	LocalId  string             `json:"localId"`
	FileName string             `json:"fileName"`
	Status   model.UploadStatus `json:"status"`
	Progress float64            `json:"progress"`
	Reason   string             `json:"reason,omitempty"`
}

// Coordinator tracks concurrent attachment uploads keyed by a client
// generated id. Exactly one upload is "active" for composer-level UI; the
// rest run independently.
type Coordinator struct {
	registry *cache.Cache
	api      API
	patcher  Patcher
	signal   *bus.Bus
	logger   logger.ILogger

	mu       sync.Mutex
	activeId string
}

func NewCoordinator(api API, patcher Patcher, signal *bus.Bus, log logger.ILogger, retainFor time.Duration) *Coordinator {
	if retainFor <= 0 {
		retainFor = time.Hour
	}
	// Finished and abandoned uploads stay queryable until eviction.
	registry := cache.New(retainFor, 10*time.Minute)
	return &Coordinator{
		registry: registry,
		api:      api,
		patcher:  patcher,
		signal:   signal,
		logger:   log,
	}
}

// StartUpload registers the file, marks it the composer's active upload and
// runs the transfer on its own goroutine. Returns the local id immediately.
func (c *Coordinator) StartUpload(ctx context.Context, file File) string {
	localId := uuid.NewString()
	c.setState(&State{
		LocalId:  localId,
		FileName: file.Name,
		Status:   model.UploadUploading,
	})

	c.mu.Lock()
	c.activeId = localId
	c.mu.Unlock()

	go func() {
		remoteURL, err := c.api.Upload(ctx, file, func(frac float64) {
			c.OnProgress(localId, frac)
		})
		if err != nil {
			c.OnFailed(localId, err.Error())
			return
		}
		c.OnComplete(localId, remoteURL)
	}()

	return localId
}

// OnProgress updates the tracked fraction for one upload.
func (c *Coordinator) OnProgress(localId string, frac float64) {
	state, ok := c.Get(localId)
	if !ok {
		return
	}
	state.Progress = frac
	c.setState(state)
}

// OnComplete records the remote URL and emits the patch that attaches it to
// the owning attachment.
func (c *Coordinator) OnComplete(localId, remoteURL string) {
	state, ok := c.Get(localId)
	if !ok {
		c.logger.Warn("UploadCoordinator", "Completion for untracked upload", map[string]interface{}{"localId": localId})
		return
	}
	state.Status = model.UploadDone
	state.Progress = 1
	c.setState(state)
	c.clearActive(localId)

	c.patcher.ApplyUploadPatch(localId, remoteURL)
	c.logger.Info("UploadCoordinator", "Upload finished", map[string]interface{}{"localId": localId})
}

// OnFailed marks the upload failed. The message stays sendable or blocked
// per composer policy, which lives outside this core.
func (c *Coordinator) OnFailed(localId, reason string) {
	state, ok := c.Get(localId)
	if !ok {
		return
	}
	state.Status = model.UploadFailed
	state.Reason = reason
	c.setState(state)
	c.clearActive(localId)

	c.patcher.MarkUploadFailed(localId)
	c.logger.Warn("UploadCoordinator", "Upload failed", map[string]interface{}{"localId": localId, "reason": reason})
}

// Get returns a copy of the tracked state for one upload.
func (c *Coordinator) Get(localId string) (*State, bool) {
	if x, found := c.registry.Get(localId); found {
		state := *(x.(*State))
		return &state, true
	}
	return nil, false
}

// ActiveUpload returns the upload currently tied to the composer UI.
func (c *Coordinator) ActiveUpload() (*State, bool) {
	c.mu.Lock()
	id := c.activeId
	c.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return c.Get(id)
}

func (c *Coordinator) setState(state *State) {
	c.registry.Set(state.LocalId, state, cache.DefaultExpiration)
	if c.signal != nil {
		_ = c.signal.Publish(bus.TopicUploadState, state)
	}
}

func (c *Coordinator) clearActive(localId string) {
	c.mu.Lock()
	if c.activeId == localId {
		c.activeId = ""
	}
	c.mu.Unlock()
}
