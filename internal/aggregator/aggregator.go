package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chat-sync-core/internal/event"
	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"
	"chat-sync-core/pkg/bus"

	"github.com/google/uuid"
)

// ErrNoPendingMessage is returned by RetrySend when the temp id does not
// name a failed optimistic entry.
var ErrNoPendingMessage = errors.New("no pending message for temp id")

// Sender is the outbound transport primitive, usually the connection
// tracker. Send failing with the tracker's not-connected error marks the
// optimistic entry failed instead of dropping it.
type Sender interface {
	Send(ctx context.Context, eventName string, payload interface{}) error
}

type Options struct {
	// A stream with no chunk for this long is force-failed by the watchdog.
	WatchdogTimeout time.Duration
	// How often the watchdog sweeps. Derived from WatchdogTimeout when zero.
	WatchdogSweep time.Duration
	// Server acks within this delta of the optimistic timestamp keep their
	// position; larger deltas adopt the server timestamp and reorder.
	ReconcileTolerance time.Duration
}

func (o *Options) fill() {
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = 30 * time.Second
	}
	if o.WatchdogSweep <= 0 {
		o.WatchdogSweep = o.WatchdogTimeout / 4
	}
	if o.ReconcileTolerance <= 0 {
		o.ReconcileTolerance = 2 * time.Second
	}
}

// ServerAck confirms one optimistic send, matched by the echoed temp id.
type ServerAck struct {
	ClientTempId string
	MessageId    int64
	Timestamp    time.Time
}

// Aggregator merges live events, optimistic sends and history pages into the
// canonical ordered transcript. Every mutation entry point runs to
// completion under one lock, so readers of the copy-on-write snapshot never
// observe a torn state.
type Aggregator struct {
	mu         sync.Mutex
	transcript *transcript
	snapshot   atomic.Pointer[[]model.Message]

	sender    Sender
	signalBus *bus.Bus
	logger    logger.ILogger
	opts      Options
}

func New(sender Sender, signalBus *bus.Bus, log logger.ILogger, opts Options) *Aggregator {
	opts.fill()
	a := &Aggregator{
		transcript: newTranscript(),
		sender:     sender,
		signalBus:  signalBus,
		logger:     log,
		opts:       opts,
	}
	empty := make([]model.Message, 0)
	a.snapshot.Store(&empty)
	return a
}

// GetTranscript returns the current snapshot. It is safe to render directly:
// later mutations produce a new snapshot, they never touch a returned one.
func (a *Aggregator) GetTranscript() []model.Message {
	return *a.snapshot.Load()
}

// mutate runs fn under the aggregator lock and, when fn reports a change,
// republishes the snapshot. fn must not block.
func (a *Aggregator) mutate(fn func() bool) {
	a.mu.Lock()
	changed := fn()
	length := a.transcript.len()
	if changed {
		snap := a.transcript.snapshot()
		a.snapshot.Store(&snap)
	}
	a.mu.Unlock()

	if changed && a.signalBus != nil {
		_ = a.signalBus.Publish(bus.TopicTranscriptUpdated, map[string]interface{}{
			"length":    length,
			"updatedAt": time.Now(),
		})
	}
}

// ApplyLiveEvent feeds one validated connection event into the transcript.
// Malformed events (unknown stream key, unexpected kind) are logged and
// dropped; nothing here can crash the aggregator.
func (a *Aggregator) ApplyLiveEvent(ev *event.LiveEvent) {
	if !ev.ForAggregator() {
		a.logger.Warn("Aggregator", "Event is not a transcript mutation, dropping", map[string]interface{}{"type": string(ev.Type)})
		return
	}

	a.mutate(func() bool {
		switch ev.Type {
		case event.TypeNewMessage:
			return a.applyNewMessage(ev)
		case event.TypeStreamChunk:
			return a.applyStreamChunk(ev)
		case event.TypeStreamEnd:
			return a.applyStreamEnd(ev)
		case event.TypeStreamError:
			return a.applyStreamError(ev)
		case event.TypeMessageConfirmed:
			return a.applyReconcile(ServerAck{
				ClientTempId: ev.ClientTempId,
				MessageId:    ev.MessageId,
				Timestamp:    ev.Timestamp,
			})
		case event.TypeMessageEdited:
			return a.applyEdit(ev)
		case event.TypeMessageDeleted:
			return a.applyDelete(ev)
		}
		return false
	})
}

func (a *Aggregator) applyNewMessage(ev *event.LiveEvent) bool {
	if a.transcript.findByServerId(ev.MessageId) != nil {
		a.logger.Debug("Aggregator", "Duplicate NEW_MESSAGE dropped", map[string]interface{}{"messageId": ev.MessageId})
		return false
	}
	// Hub broadcast of our own send: the echoed temp id reconciles the
	// optimistic entry instead of inserting a second one.
	if ev.ClientTempId != "" && a.transcript.findByTempId(ev.ClientTempId) != nil {
		return a.applyReconcile(ServerAck{
			ClientTempId: ev.ClientTempId,
			MessageId:    ev.MessageId,
			Timestamp:    ev.Timestamp,
		})
	}
	a.transcript.insert(&model.Message{
		Id:             ev.MessageId,
		ClientTempId:   ev.ClientTempId,
		ConversationId: ev.ConversationId,
		AuthorRef:      ev.AuthorRef,
		CreatedAt:      ev.Timestamp,
		Kind:           model.KindText,
		Content:        ev.Text,
	})
	return true
}

func (a *Aggregator) applyStreamChunk(ev *event.LiveEvent) bool {
	msg := a.transcript.findByServerId(ev.MessageId)
	if msg == nil {
		// First chunk of a reply we have not seen: lazily open the stream.
		msg = &model.Message{
			Id:             ev.MessageId,
			ConversationId: ev.ConversationId,
			AuthorRef:      ev.AuthorRef,
			CreatedAt:      ev.Timestamp,
			Kind:           model.KindStreamingReply,
			Stream: &model.StreamState{
				Status:    model.StreamStreaming,
				StartedAt: ev.Timestamp,
			},
		}
		a.transcript.insert(msg)
	}
	if msg.Stream == nil {
		a.logger.Warn("Aggregator", "STREAM_CHUNK for non-streaming message, dropping", map[string]interface{}{"messageId": ev.MessageId})
		return false
	}
	stream := msg.Stream
	if stream.Status == model.StreamComplete || stream.Status == model.StreamFailed {
		a.logger.Debug("Aggregator", "Chunk after stream close, dropping", map[string]interface{}{"messageId": ev.MessageId, "seq": ev.SequenceNo})
		return false
	}
	// Sequence gate: replayed or reordered chunks never apply twice.
	if ev.SequenceNo <= stream.LastSeq {
		a.logger.Debug("Aggregator", "Duplicate chunk dropped", map[string]interface{}{"messageId": ev.MessageId, "seq": ev.SequenceNo, "lastSeq": stream.LastSeq})
		return false
	}
	stream.Status = model.StreamStreaming
	stream.Chunks = append(stream.Chunks, ev.Chunk)
	stream.LastSeq = ev.SequenceNo
	stream.LastChunkAt = time.Now()
	stream.Assemble()
	msg.Content = stream.AssembledText
	return true
}

func (a *Aggregator) applyStreamEnd(ev *event.LiveEvent) bool {
	msg := a.transcript.findByServerId(ev.MessageId)
	if msg == nil || msg.Stream == nil {
		a.logger.Warn("Aggregator", "STREAM_END for unknown stream, dropping", map[string]interface{}{"messageId": ev.MessageId})
		return false
	}
	stream := msg.Stream
	if stream.Status == model.StreamComplete || stream.Status == model.StreamFailed {
		return false
	}
	now := time.Now()
	stream.Status = model.StreamComplete
	stream.EndedAt = &now
	stream.Assemble()
	msg.Content = stream.AssembledText
	return true
}

func (a *Aggregator) applyStreamError(ev *event.LiveEvent) bool {
	msg := a.transcript.findByServerId(ev.MessageId)
	if msg == nil || msg.Stream == nil {
		a.logger.Warn("Aggregator", "STREAM_ERROR for unknown stream, dropping", map[string]interface{}{"messageId": ev.MessageId})
		return false
	}
	stream := msg.Stream
	if stream.Status == model.StreamComplete || stream.Status == model.StreamFailed {
		return false
	}
	now := time.Now()
	stream.Status = model.StreamFailed
	stream.EndedAt = &now
	// Partial output stays visible; the user gets a retry affordance.
	return true
}

func (a *Aggregator) applyEdit(ev *event.LiveEvent) bool {
	msg := a.transcript.findByServerId(ev.MessageId)
	if msg == nil {
		a.logger.Warn("Aggregator", "EDIT for unknown message, dropping", map[string]interface{}{"messageId": ev.MessageId})
		return false
	}
	msg.Content = ev.Text
	msg.IsEdited = true
	return true
}

func (a *Aggregator) applyDelete(ev *event.LiveEvent) bool {
	msg := a.transcript.findByServerId(ev.MessageId)
	if msg == nil {
		a.logger.Warn("Aggregator", "DELETE for unknown message, dropping", map[string]interface{}{"messageId": ev.MessageId})
		return false
	}
	// Revoked entries keep their slot so surrounding positions stay stable.
	msg.IsRevoked = true
	msg.Content = ""
	return true
}

// SendOptimistic inserts local immediately under a client temp id and issues
// the send. When the hub is offline the entry stays in the transcript in
// failed-send state and the temp id is still returned, so the user sees the
// message with a retry control instead of losing it.
func (a *Aggregator) SendOptimistic(ctx context.Context, local *model.Message) (string, error) {
	if local.ClientTempId == "" {
		local.ClientTempId = uuid.NewString()
	}
	local.Id = 0
	if local.CreatedAt.IsZero() {
		local.CreatedAt = time.Now()
	}
	if local.Kind == "" {
		local.Kind = model.KindText
	}
	local.SendStatus = model.SendPending

	a.mutate(func() bool {
		a.transcript.insert(local)
		return true
	})

	if err := a.issueSend(ctx, local); err != nil {
		return local.ClientTempId, err
	}
	return local.ClientTempId, nil
}

// RetrySend re-issues a failed optimistic send under its original temp id,
// so a later confirmation still reconciles to a single entry.
func (a *Aggregator) RetrySend(ctx context.Context, tempId string) error {
	var target *model.Message
	a.mutate(func() bool {
		msg := a.transcript.findByTempId(tempId)
		if msg == nil || msg.Confirmed() || msg.SendStatus != model.SendFailed {
			return false
		}
		msg.SendStatus = model.SendPending
		target = msg
		return true
	})
	if target == nil {
		return fmt.Errorf("%w: %s", ErrNoPendingMessage, tempId)
	}
	return a.issueSend(ctx, target)
}

func (a *Aggregator) issueSend(ctx context.Context, msg *model.Message) error {
	payload := event.OutboundMessage{
		ClientTempId:   msg.ClientTempId,
		ConversationId: msg.ConversationId,
		Content:        msg.Content,
		Attachments:    msg.Attachments,
		Timestamp:      msg.CreatedAt,
	}
	err := a.sender.Send(ctx, event.SendMessageEvent, payload)
	if err == nil {
		return nil
	}
	a.logger.Warn("Aggregator", "Send failed, keeping message in retryable state", map[string]interface{}{
		"clientTempId": msg.ClientTempId,
		"error":        err.Error(),
	})
	a.mutate(func() bool {
		if m := a.transcript.findByTempId(msg.ClientTempId); m != nil && !m.Confirmed() {
			m.SendStatus = model.SendFailed
			return true
		}
		return false
	})
	return err
}

// Reconcile replaces the optimistic entry with its server-confirmed
// identity. Position is preserved unless the server timestamp moves it more
// than the configured tolerance, which avoids visual jumps from clock skew.
func (a *Aggregator) Reconcile(ack ServerAck) {
	a.mutate(func() bool {
		return a.applyReconcile(ack)
	})
}

func (a *Aggregator) applyReconcile(ack ServerAck) bool {
	if existing := a.transcript.findByServerId(ack.MessageId); existing != nil {
		a.logger.Debug("Aggregator", "Duplicate ack dropped", map[string]interface{}{"messageId": ack.MessageId})
		return false
	}
	msg := a.transcript.findByTempId(ack.ClientTempId)
	if msg == nil {
		a.logger.Warn("Aggregator", "Ack for unknown temp id, dropping", map[string]interface{}{"clientTempId": ack.ClientTempId})
		return false
	}
	msg.Id = ack.MessageId
	msg.SendStatus = model.SendConfirmed

	delta := ack.Timestamp.Sub(msg.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > a.opts.ReconcileTolerance {
		msg.CreatedAt = ack.Timestamp
		a.transcript.reposition(msg)
	}
	return true
}

// MergeHistoryPage folds a fetched page in without disturbing existing
// entries. Messages already present, by server id or temp id, are skipped,
// which makes the merge idempotent.
func (a *Aggregator) MergeHistoryPage(msgs []model.Message) int {
	inserted := 0
	a.mutate(func() bool {
		for i := range msgs {
			m := msgs[i]
			if m.Id != 0 && a.transcript.findByServerId(m.Id) != nil {
				continue
			}
			if m.ClientTempId != "" && a.transcript.findByTempId(m.ClientTempId) != nil {
				continue
			}
			entry := m
			a.transcript.insert(&entry)
			inserted++
		}
		return inserted > 0
	})
	return inserted
}

// InsertSystemNotice places a synthetic notice at its chronological
// position. Used by the notification router only.
func (a *Aggregator) InsertSystemNotice(notice model.Message) {
	notice.Kind = model.KindSystemNotice
	if notice.Id == 0 && notice.ClientTempId == "" {
		// Synthetic notices without a server id still need a unique display key.
		notice.ClientTempId = uuid.NewString()
	}
	a.mutate(func() bool {
		if notice.Id != 0 && a.transcript.findByServerId(notice.Id) != nil {
			return false
		}
		a.transcript.insert(&notice)
		return true
	})
}

// ApplyUploadPatch attaches the finished upload's remote URL to its owning
// attachment. The URL is set at most once; later patches are dropped.
func (a *Aggregator) ApplyUploadPatch(localId, remoteURL string) {
	a.mutate(func() bool {
		for _, msg := range a.transcript.entries {
			for i := range msg.Attachments {
				att := &msg.Attachments[i]
				if att.LocalId != localId {
					continue
				}
				if att.RemoteURL != "" {
					a.logger.Warn("Aggregator", "Remote URL already set, dropping patch", map[string]interface{}{"localId": localId})
					return false
				}
				att.RemoteURL = remoteURL
				att.UploadStatus = model.UploadDone
				return true
			}
		}
		a.logger.Warn("Aggregator", "Upload patch for unknown attachment", map[string]interface{}{"localId": localId})
		return false
	})
}

// MarkUploadFailed moves the owning attachment to failed state. The message
// stays in the transcript; send policy is the composer's concern.
func (a *Aggregator) MarkUploadFailed(localId string) {
	a.mutate(func() bool {
		for _, msg := range a.transcript.entries {
			for i := range msg.Attachments {
				att := &msg.Attachments[i]
				if att.LocalId == localId {
					att.UploadStatus = model.UploadFailed
					return true
				}
			}
		}
		return false
	})
}

// MarkRead flips local read state for one entry.
func (a *Aggregator) MarkRead(displayKey string) {
	a.mutate(func() bool {
		msg := a.transcript.findByDisplayKey(displayKey)
		if msg == nil || msg.IsRead {
			return false
		}
		msg.IsRead = true
		return true
	})
}

// UnreadCount counts inbound chat entries not yet marked read. System
// notices never contribute to the badge.
func (a *Aggregator) UnreadCount() int {
	count := 0
	for _, m := range a.GetTranscript() {
		if m.Kind == model.KindSystemNotice {
			continue
		}
		if m.SendStatus == model.SendNotApplied && !m.IsRead && !m.IsRevoked {
			count++
		}
	}
	return count
}

// Reset drops all transcript state. Called on logout; the transcript is
// rebuilt from history plus live events on the next session.
func (a *Aggregator) Reset() {
	a.mutate(func() bool {
		a.transcript = newTranscript()
		return true
	})
}
