package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"chat-sync-core/internal/connection"
	"chat-sync-core/internal/event"
	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	calls []event.OutboundMessage
}

func (f *fakeSender) Send(ctx context.Context, name string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if m, ok := payload.(event.OutboundMessage); ok {
		f.calls = append(f.calls, m)
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestAggregator(sender Sender) *Aggregator {
	if sender == nil {
		sender = &fakeSender{}
	}
	return New(sender, nil, logger.NewNopLogger(), Options{
		WatchdogTimeout:    30 * time.Second,
		ReconcileTolerance: 2 * time.Second,
	})
}

func chunkEvent(messageId, seq int64, chunk string, at time.Time) *event.LiveEvent {
	return &event.LiveEvent{
		Type:           event.TypeStreamChunk,
		ConversationId: "conv-1",
		MessageId:      messageId,
		SequenceNo:     seq,
		Chunk:          chunk,
		Timestamp:      at,
	}
}

func TestStreamChunksAssembleInOrder(t *testing.T) {
	agg := newTestAggregator(nil)
	start := time.Now()

	agg.ApplyLiveEvent(chunkEvent(42, 1, "Hel", start))
	agg.ApplyLiveEvent(chunkEvent(42, 2, "lo wo", start))
	agg.ApplyLiveEvent(chunkEvent(42, 3, "rld", start))
	agg.ApplyLiveEvent(&event.LiveEvent{
		Type:           event.TypeStreamEnd,
		ConversationId: "conv-1",
		MessageId:      42,
		Timestamp:      start,
	})

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	msg := transcript[0]
	require.NotNil(t, msg.Stream)
	assert.Equal(t, "Hello world", msg.Stream.AssembledText)
	assert.Equal(t, "Hello world", msg.Content)
	assert.Equal(t, model.StreamComplete, msg.Stream.Status)
	assert.NotNil(t, msg.Stream.EndedAt)
}

func TestReplayedChunkIsNoop(t *testing.T) {
	agg := newTestAggregator(nil)
	start := time.Now()

	agg.ApplyLiveEvent(chunkEvent(7, 1, "Hel", start))
	agg.ApplyLiveEvent(chunkEvent(7, 2, "lo", start))
	before := agg.GetTranscript()

	// Same sequence number again, as on a reconnect replay.
	agg.ApplyLiveEvent(chunkEvent(7, 2, "lo", start))

	after := agg.GetTranscript()
	require.Len(t, after, 1)
	assert.Equal(t, before[0].Stream.AssembledText, after[0].Stream.AssembledText)
	assert.Equal(t, before[0].Stream.Chunks, after[0].Stream.Chunks)
}

func TestNonMonotonicChunkIsDropped(t *testing.T) {
	agg := newTestAggregator(nil)
	start := time.Now()

	agg.ApplyLiveEvent(chunkEvent(7, 1, "a", start))
	agg.ApplyLiveEvent(chunkEvent(7, 3, "c", start))
	// Arrives late with a lower sequence number: dropped, not spliced in.
	agg.ApplyLiveEvent(chunkEvent(7, 2, "b", start))

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, "ac", transcript[0].Stream.AssembledText)
}

func TestChunkForUnknownStreamLazilyCreates(t *testing.T) {
	agg := newTestAggregator(nil)

	agg.ApplyLiveEvent(chunkEvent(99, 1, "hi", time.Now()))

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, model.KindStreamingReply, transcript[0].Kind)
	assert.Equal(t, model.StreamStreaming, transcript[0].Stream.Status)
}

func TestStreamErrorKeepsPartialText(t *testing.T) {
	agg := newTestAggregator(nil)
	start := time.Now()

	agg.ApplyLiveEvent(chunkEvent(5, 1, "partial ", start))
	agg.ApplyLiveEvent(&event.LiveEvent{
		Type:           event.TypeStreamError,
		ConversationId: "conv-1",
		MessageId:      5,
		Timestamp:      start,
	})
	// Chunks after failure are frozen out.
	agg.ApplyLiveEvent(chunkEvent(5, 2, "more", start))

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, model.StreamFailed, transcript[0].Stream.Status)
	assert.Equal(t, "partial ", transcript[0].Stream.AssembledText)
}

func TestWatchdogForceFailsStalledStream(t *testing.T) {
	agg := newTestAggregator(nil)
	start := time.Now()

	agg.ApplyLiveEvent(chunkEvent(11, 1, "Hel", start))

	// 35s of silence against a 30s watchdog.
	agg.sweepStalledStreams(time.Now().Add(35 * time.Second))

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, model.StreamFailed, transcript[0].Stream.Status)
	assert.Equal(t, "Hel", transcript[0].Stream.AssembledText)
}

func TestWatchdogLeavesLiveStreamsAlone(t *testing.T) {
	agg := newTestAggregator(nil)
	agg.ApplyLiveEvent(chunkEvent(11, 1, "Hel", time.Now()))

	agg.sweepStalledStreams(time.Now().Add(5 * time.Second))

	assert.Equal(t, model.StreamStreaming, agg.GetTranscript()[0].Stream.Status)
}

func TestOptimisticThenReconcileIsNetPlusOne(t *testing.T) {
	agg := newTestAggregator(nil)
	before := len(agg.GetTranscript())

	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{
		ConversationId: "conv-1",
		Content:        "Hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, tempId)

	msg := agg.GetTranscript()[0]
	assert.Equal(t, tempId, msg.DisplayKey())
	assert.Equal(t, model.SendPending, msg.SendStatus)

	agg.Reconcile(ServerAck{
		ClientTempId: tempId,
		MessageId:    1001,
		Timestamp:    msg.CreatedAt.Add(500 * time.Millisecond),
	})

	transcript := agg.GetTranscript()
	require.Len(t, transcript, before+1)
	confirmed := transcript[0]
	assert.Equal(t, int64(1001), confirmed.Id)
	assert.Equal(t, "1001", confirmed.DisplayKey())
	assert.Equal(t, model.SendConfirmed, confirmed.SendStatus)
}

func TestReconcileWithinToleranceKeepsPosition(t *testing.T) {
	agg := newTestAggregator(nil)
	base := time.Now()

	agg.MergeHistoryPage([]model.Message{
		{Id: 1, ConversationId: "conv-1", CreatedAt: base.Add(-time.Minute), Content: "older"},
	})
	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{
		ConversationId: "conv-1",
		Content:        "mine",
		CreatedAt:      base,
	})
	require.NoError(t, err)

	localCreated := agg.GetTranscript()[1].CreatedAt
	agg.Reconcile(ServerAck{ClientTempId: tempId, MessageId: 2, Timestamp: base.Add(time.Second)})

	transcript := agg.GetTranscript()
	assert.Equal(t, "mine", transcript[1].Content)
	// Server skew under the tolerance: the local timestamp and slot stay.
	assert.True(t, transcript[1].CreatedAt.Equal(localCreated))
}

func TestReconcileBeyondToleranceReorders(t *testing.T) {
	agg := newTestAggregator(nil)
	base := time.Now()

	agg.MergeHistoryPage([]model.Message{
		{Id: 1, ConversationId: "conv-1", CreatedAt: base.Add(2 * time.Second), Content: "other"},
	})
	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{
		ConversationId: "conv-1",
		Content:        "mine",
		CreatedAt:      base,
	})
	require.NoError(t, err)
	assert.Equal(t, "mine", agg.GetTranscript()[0].Content)

	agg.Reconcile(ServerAck{ClientTempId: tempId, MessageId: 2, Timestamp: base.Add(10 * time.Second)})

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "other", transcript[0].Content)
	assert.Equal(t, "mine", transcript[1].Content)
	assert.True(t, transcript[1].CreatedAt.Equal(base.Add(10*time.Second)))
}

func TestBroadcastEchoReconcilesOptimisticEntry(t *testing.T) {
	agg := newTestAggregator(nil)
	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{
		ConversationId: "conv-1",
		Content:        "Hello",
	})
	require.NoError(t, err)
	now := time.Now()

	// The hub broadcasts our own send back with the echoed temp id before
	// the dedicated confirmation arrives.
	agg.ApplyLiveEvent(&event.LiveEvent{
		Type: event.TypeNewMessage, ConversationId: "conv-1",
		MessageId: 9, ClientTempId: tempId, Text: "Hello", Timestamp: now,
	})

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, int64(9), transcript[0].Id)
	assert.Equal(t, model.SendConfirmed, transcript[0].SendStatus)

	// The confirmation that follows stays a no-op.
	agg.ApplyLiveEvent(&event.LiveEvent{
		Type: event.TypeMessageConfirmed, ConversationId: "conv-1",
		MessageId: 9, ClientTempId: tempId, Timestamp: now,
	})
	transcript = agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, model.SendConfirmed, transcript[0].SendStatus)
}

func TestDuplicateAckIsDropped(t *testing.T) {
	agg := newTestAggregator(nil)
	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{ConversationId: "conv-1", Content: "hi"})
	require.NoError(t, err)

	ack := ServerAck{ClientTempId: tempId, MessageId: 55, Timestamp: time.Now()}
	agg.Reconcile(ack)
	agg.Reconcile(ack)

	assert.Len(t, agg.GetTranscript(), 1)
}

func TestOfflineSendThenRetryScenario(t *testing.T) {
	sender := &fakeSender{err: connection.ErrNotConnected}
	agg := newTestAggregator(sender)

	// User sends "Hello" offline: the message must appear instantly, marked
	// failed, not be lost.
	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{
		ConversationId: "conv-1",
		Content:        "Hello",
	})
	require.ErrorIs(t, err, connection.ErrNotConnected)

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, model.SendFailed, transcript[0].SendStatus)
	assert.Equal(t, "Hello", transcript[0].Content)

	// Connection restores; explicit retry under the same temp id.
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	require.NoError(t, agg.RetrySend(context.Background(), tempId))
	assert.Equal(t, model.SendPending, agg.GetTranscript()[0].SendStatus)
	assert.Equal(t, 1, sender.callCount())

	agg.Reconcile(ServerAck{ClientTempId: tempId, MessageId: 77, Timestamp: time.Now()})

	transcript = agg.GetTranscript()
	require.Len(t, transcript, 1)
	assert.Equal(t, int64(77), transcript[0].Id)
	assert.Equal(t, model.SendConfirmed, transcript[0].SendStatus)
}

func TestRetrySendRequiresFailedEntry(t *testing.T) {
	agg := newTestAggregator(nil)
	err := agg.RetrySend(context.Background(), "no-such-temp-id")
	assert.ErrorIs(t, err, ErrNoPendingMessage)
}

func TestMergeHistoryPageIsIdempotent(t *testing.T) {
	agg := newTestAggregator(nil)
	base := time.Now()
	page := []model.Message{
		{Id: 1, ConversationId: "conv-1", CreatedAt: base.Add(-2 * time.Minute), Content: "first"},
		{Id: 2, ConversationId: "conv-1", CreatedAt: base.Add(-time.Minute), Content: "second"},
	}

	assert.Equal(t, 2, agg.MergeHistoryPage(page))
	once := agg.GetTranscript()

	assert.Equal(t, 0, agg.MergeHistoryPage(page))
	twice := agg.GetTranscript()

	require.Equal(t, len(once), len(twice))
	for i := range once {
		assert.Equal(t, once[i].Id, twice[i].Id)
	}
}

func TestMergeSkipsOptimisticDuplicates(t *testing.T) {
	agg := newTestAggregator(nil)
	tempId, err := agg.SendOptimistic(context.Background(), &model.Message{ConversationId: "conv-1", Content: "hi"})
	require.NoError(t, err)

	inserted := agg.MergeHistoryPage([]model.Message{
		{ClientTempId: tempId, ConversationId: "conv-1", CreatedAt: time.Now(), Content: "hi"},
	})
	assert.Equal(t, 0, inserted)
	assert.Len(t, agg.GetTranscript(), 1)
}

func TestEditAndRevoke(t *testing.T) {
	agg := newTestAggregator(nil)
	now := time.Now()
	agg.ApplyLiveEvent(&event.LiveEvent{
		Type: event.TypeNewMessage, ConversationId: "conv-1", MessageId: 1, Text: "original", Timestamp: now,
	})

	agg.ApplyLiveEvent(&event.LiveEvent{
		Type: event.TypeMessageEdited, ConversationId: "conv-1", MessageId: 1, Text: "edited", Timestamp: now,
	})
	msg := agg.GetTranscript()[0]
	assert.Equal(t, "edited", msg.Content)
	assert.True(t, msg.IsEdited)

	agg.ApplyLiveEvent(&event.LiveEvent{
		Type: event.TypeMessageDeleted, ConversationId: "conv-1", MessageId: 1, Timestamp: now,
	})
	msg = agg.GetTranscript()[0]
	assert.True(t, msg.IsRevoked)
	assert.Empty(t, msg.Content)
	assert.Len(t, agg.GetTranscript(), 1)
}

func TestUploadPatchSetsRemoteURLOnce(t *testing.T) {
	agg := newTestAggregator(nil)
	_, err := agg.SendOptimistic(context.Background(), &model.Message{
		ConversationId: "conv-1",
		Content:        "photo",
		Attachments: []model.Attachment{
			{LocalId: "att-1", UploadStatus: model.UploadUploading, MimeClass: model.MimeImage},
		},
	})
	require.NoError(t, err)

	agg.ApplyUploadPatch("att-1", "https://cdn.example.com/a.jpg")
	att := agg.GetTranscript()[0].Attachments[0]
	assert.Equal(t, "https://cdn.example.com/a.jpg", att.RemoteURL)
	assert.Equal(t, model.UploadDone, att.UploadStatus)

	// Remote URL is immutable once set.
	agg.ApplyUploadPatch("att-1", "https://cdn.example.com/other.jpg")
	assert.Equal(t, "https://cdn.example.com/a.jpg", agg.GetTranscript()[0].Attachments[0].RemoteURL)
}

func TestSnapshotIsImmutableUnderLaterMutations(t *testing.T) {
	agg := newTestAggregator(nil)
	start := time.Now()
	agg.ApplyLiveEvent(chunkEvent(3, 1, "Hel", start))

	snap := agg.GetTranscript()
	agg.ApplyLiveEvent(chunkEvent(3, 2, "lo", start))

	assert.Equal(t, "Hel", snap[0].Stream.AssembledText)
	assert.Equal(t, "Hello", agg.GetTranscript()[0].Stream.AssembledText)
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	agg := newTestAggregator(nil)
	now := time.Now()
	agg.ApplyLiveEvent(&event.LiveEvent{Type: event.TypeNewMessage, ConversationId: "conv-1", MessageId: 1, Text: "a", Timestamp: now})
	agg.ApplyLiveEvent(&event.LiveEvent{Type: event.TypeNewMessage, ConversationId: "conv-1", MessageId: 2, Text: "b", Timestamp: now.Add(time.Second)})
	_, err := agg.SendOptimistic(context.Background(), &model.Message{ConversationId: "conv-1", Content: "mine"})
	require.NoError(t, err)

	assert.Equal(t, 2, agg.UnreadCount())

	agg.MarkRead("1")
	assert.Equal(t, 1, agg.UnreadCount())
}

func TestSystemNoticesGetUniqueDisplayKeys(t *testing.T) {
	agg := newTestAggregator(nil)
	now := time.Now()
	agg.InsertSystemNotice(model.Message{ConversationId: "conv-1", Content: "alice joined the group", CreatedAt: now})
	agg.InsertSystemNotice(model.Message{ConversationId: "conv-1", Content: "bob joined the group", CreatedAt: now.Add(time.Second)})

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 2)
	assert.NotEmpty(t, transcript[0].DisplayKey())
	assert.NotEmpty(t, transcript[1].DisplayKey())
	assert.NotEqual(t, transcript[0].DisplayKey(), transcript[1].DisplayKey())
}

func TestUnreadCountSkipsSystemNotices(t *testing.T) {
	agg := newTestAggregator(nil)
	now := time.Now()
	agg.ApplyLiveEvent(&event.LiveEvent{Type: event.TypeNewMessage, ConversationId: "conv-1", MessageId: 1, Text: "a", Timestamp: now})
	agg.InsertSystemNotice(model.Message{ConversationId: "conv-1", Content: "alice joined the group", CreatedAt: now})

	assert.Equal(t, 1, agg.UnreadCount())
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	agg := newTestAggregator(nil)
	at := time.Now()
	for i := int64(1); i <= 3; i++ {
		agg.ApplyLiveEvent(&event.LiveEvent{
			Type: event.TypeNewMessage, ConversationId: "conv-1", MessageId: i, Text: "m", Timestamp: at,
		})
	}

	transcript := agg.GetTranscript()
	require.Len(t, transcript, 3)
	for i := int64(1); i <= 3; i++ {
		assert.Equal(t, i, transcript[i-1].Id)
	}
}
