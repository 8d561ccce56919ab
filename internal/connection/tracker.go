package connection

import (
	"context"
	"errors"
	"sync"

	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"
)

// ErrNotConnected is returned by Send while the hub is offline. The tracker
// never buffers or retries on its own; callers decide when to retry.
var ErrNotConnected = errors.New("not connected to chat hub")

// Sender is the outbound half of the transport boundary. Implemented by the
// live websocket client and by test doubles.
type Sender interface {
	Send(ctx context.Context, eventName string, payload interface{}) error
}

// Tracker owns the process-wide connection session: current status, retry
// count, and the send primitive. It holds no message data.
type Tracker struct {
	mu          sync.Mutex
	session     *model.ConnectionSession
	sender      Sender
	subscribers map[int]func(model.ConnStatus)
	nextSubId   int
	logger      logger.ILogger
}

func NewTracker(session *model.ConnectionSession, sender Sender, log logger.ILogger) *Tracker {
	return &Tracker{
		session:     session,
		sender:      sender,
		subscribers: make(map[int]func(model.ConnStatus)),
		logger:      log,
	}
}

func (t *Tracker) GetStatus() model.ConnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Status
}

func (t *Tracker) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.RetryCount
}

// BindSender attaches the transport after construction. The tracker and the
// transport reference each other, so one side binds late.
func (t *Tracker) BindSender(sender Sender) {
	t.mu.Lock()
	t.sender = sender
	t.mu.Unlock()
}

// Send delivers one outbound event. Fails fast with ErrNotConnected when the
// session is not connected.
func (t *Tracker) Send(ctx context.Context, eventName string, payload interface{}) error {
	if t.GetStatus() != model.StatusConnected {
		return ErrNotConnected
	}
	t.mu.Lock()
	sender := t.sender
	t.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	return sender.Send(ctx, eventName, payload)
}

// Subscribe registers a status listener and returns its unsubscribe func.
// Listeners see every transition in the order it was recorded; intermediate
// "connecting" ticks are never coalesced away.
func (t *Tracker) Subscribe(fn func(model.ConnStatus)) func() {
	t.mu.Lock()
	id := t.nextSubId
	t.nextSubId++
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

// SetStatus records a transition and broadcasts it synchronously to all
// subscribers before returning.
func (t *Tracker) SetStatus(status model.ConnStatus) {
	t.mu.Lock()
	t.session.Status = status
	if status == model.StatusConnected {
		t.session.RetryCount = 0
	}
	subs := make([]func(model.ConnStatus), 0, len(t.subscribers))
	for id := 0; id < t.nextSubId; id++ {
		if fn, ok := t.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	t.mu.Unlock()

	t.logger.Debug("ConnectionTracker", "Status changed", map[string]interface{}{"status": string(status)})
	for _, fn := range subs {
		fn(status)
	}
}

// RecordRetry bumps the reconnect attempt counter and returns the new value.
func (t *Tracker) RecordRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.RetryCount++
	return t.session.RetryCount
}

// Reset returns the session to its logged-out state. Called on explicit
// logout only.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.session.Reset()
	t.mu.Unlock()
	t.SetStatus(model.StatusDisconnected)
}
