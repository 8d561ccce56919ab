package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"chat-sync-core/internal/aggregator"
	"chat-sync-core/internal/connection"
	"chat-sync-core/internal/event"
	"chat-sync-core/internal/history"
	"chat-sync-core/internal/model"
	"chat-sync-core/internal/notify"
	"chat-sync-core/internal/pkg/logger"
	"chat-sync-core/internal/upload"
	"chat-sync-core/pkg/bus"

	"github.com/fatih/color"
)

const conversationId = "conv-demo"

var (
	titleColor  = color.New(color.FgCyan, color.Bold)
	systemColor = color.New(color.FgYellow)
	toastColor  = color.New(color.FgMagenta)
	errColor    = color.New(color.FgRed)
	okColor     = color.New(color.FgGreen)
)

// scriptedHub plays the server side of the hub: it acks sends on a short
// delay, the way the real backend echoes clientTempId.
type scriptedHub struct {
	agg    *aggregator.Aggregator
	nextId int64
}

func (h *scriptedHub) Send(ctx context.Context, eventName string, payload interface{}) error {
	out, ok := payload.(event.OutboundMessage)
	if !ok {
		return nil
	}
	h.nextId++
	id := 100 + h.nextId
	go func() {
		time.Sleep(150 * time.Millisecond)
		h.agg.Reconcile(aggregator.ServerAck{
			ClientTempId: out.ClientTempId,
			MessageId:    id,
			Timestamp:    time.Now(),
		})
	}()
	return nil
}

type scriptedHistory struct{}

func (scriptedHistory) FetchPage(ctx context.Context, req history.PageRequest) (*history.PageResponse, error) {
	base := time.Now().Add(-1 * time.Hour)
	return &history.PageResponse{
		Data: []model.Message{
			{Id: 11, ConversationId: conversationId, AuthorRef: "alice", Kind: model.KindText, Content: "Anyone up for lunch?", CreatedAt: base},
			{Id: 12, ConversationId: conversationId, AuthorRef: "me", Kind: model.KindText, Content: "Sure, noon works", CreatedAt: base.Add(2 * time.Minute), SendStatus: model.SendConfirmed},
			{Id: 13, ConversationId: conversationId, AuthorRef: "alice", Kind: model.KindText, Content: "See you there", CreatedAt: base.Add(3 * time.Minute)},
		},
		PageNumber:   req.PageNumber,
		TotalRecords: 3,
	}, nil
}

type scriptedUploads struct{}

func (scriptedUploads) Upload(ctx context.Context, file upload.File, onProgress func(float64)) (string, error) {
	for _, frac := range []float64{0.25, 0.5, 0.75, 1} {
		time.Sleep(40 * time.Millisecond)
		if onProgress != nil {
			onProgress(frac)
		}
	}
	return "https://cdn.example.com/" + file.Name, nil
}

func main() {
	appLogger := logger.NewZapLogger("simulation.log", false)
	defer appLogger.Sync()

	signal := bus.New()
	defer signal.Close()

	session := model.NewConnectionSession()
	tracker := connection.NewTracker(session, nil, appLogger)

	agg := aggregator.New(tracker, signal, appLogger, aggregator.Options{})
	hub := &scriptedHub{agg: agg}
	tracker.BindSender(hub)

	paginator := history.NewPaginator(scriptedHistory{}, agg, appLogger, 20, 400*time.Millisecond)
	defer paginator.Close()
	uploads := upload.NewCoordinator(scriptedUploads{}, agg, signal, appLogger, time.Hour)
	router := notify.NewRouter(agg, signal, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go printToasts(ctx, signal)

	titleColor.Println("=== Chat Sync Simulation ===")

	// 1. Initial history load.
	titleColor.Println("\n[1] Loading history page 0")
	window, err := paginator.LoadPage(ctx, conversationId, 0, "")
	if err != nil {
		log.Fatalf("history load failed: %v", err)
	}
	okColor.Printf("Loaded %d of %d records\n", len(agg.GetTranscript()), window.TotalRecords)

	// 2. Online optimistic send, confirmed by the scripted hub.
	titleColor.Println("\n[2] Sending while connected")
	tracker.SetStatus(model.StatusConnected)
	tempId, err := agg.SendOptimistic(ctx, &model.Message{
		ConversationId: conversationId,
		AuthorRef:      "me",
		Kind:           model.KindText,
		Content:        "On my way",
	})
	if err != nil {
		log.Fatalf("send failed: %v", err)
	}
	fmt.Printf("Optimistic entry under temp id %s\n", tempId)
	waitForConfirm(agg, tempId)
	okColor.Println("Server confirmed, same slot, real id assigned")

	// 3. Offline send, retry after reconnect.
	titleColor.Println("\n[3] Sending while disconnected")
	tracker.SetStatus(model.StatusDisconnected)
	failedTempId, err := agg.SendOptimistic(ctx, &model.Message{
		ConversationId: conversationId,
		AuthorRef:      "me",
		Kind:           model.KindText,
		Content:        "Did you order yet?",
	})
	if err != nil {
		errColor.Printf("Send failed as expected: %v\n", err)
	}
	tracker.SetStatus(model.StatusConnected)
	if err := agg.RetrySend(ctx, failedTempId); err != nil {
		log.Fatalf("retry failed: %v", err)
	}
	waitForConfirm(agg, failedTempId)
	okColor.Println("Retry delivered and confirmed")

	// 4. A streamed assistant reply. The first chunk opens the stream.
	titleColor.Println("\n[4] Streaming reply")
	now := time.Now()
	for i, chunk := range []string{"Hel", "lo wo", "rld"} {
		agg.ApplyLiveEvent(&event.LiveEvent{
			Type: event.TypeStreamChunk, ConversationId: conversationId,
			MessageId: 500, SequenceNo: int64(i + 1), Chunk: chunk,
			AuthorRef: "assistant", Timestamp: now,
		})
		fmt.Printf("chunk %d: %q\n", i+1, chunk)
	}
	agg.ApplyLiveEvent(&event.LiveEvent{
		Type: event.TypeStreamEnd, ConversationId: conversationId,
		MessageId: 500, Timestamp: now,
	})
	okColor.Println("Stream complete")

	// 5. System events: one persisted notice, one toast.
	titleColor.Println("\n[5] System events")
	router.Route(&event.LiveEvent{
		Type: event.TypeSystemEvent, ConversationId: conversationId,
		MessageId: 600, Code: notify.CodeMemberAdded, AuthorRef: "bob", Timestamp: time.Now(),
	})
	router.Route(&event.LiveEvent{
		Type: event.TypeSystemEvent, ConversationId: conversationId,
		Code: notify.CodeAvatarChanged, AuthorRef: "alice", Timestamp: time.Now(),
	})
	time.Sleep(100 * time.Millisecond)

	// 6. Attachment upload patched into the owning message. The composer
	// starts the upload first so the local id exists when the message is
	// created.
	titleColor.Println("\n[6] Attachment upload")
	localId := uploads.StartUpload(ctx, upload.File{
		Name:      "menu.png",
		MimeClass: model.MimeImage,
		Data:      []byte("png-bytes"),
	})
	_, _ = agg.SendOptimistic(ctx, &model.Message{
		ConversationId: conversationId,
		AuthorRef:      "me",
		Kind:           model.KindText,
		Content:        "Menu photo",
		Attachments: []model.Attachment{{
			LocalId:      localId,
			FileName:     "menu.png",
			UploadStatus: model.UploadUploading,
			MimeClass:    model.MimeImage,
		}},
	})
	for {
		state, ok := uploads.Get(localId)
		if ok && state.Status != model.UploadUploading {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	okColor.Println("Upload done, remote URL patched")

	time.Sleep(300 * time.Millisecond)
	printTranscript(agg)
}

func waitForConfirm(agg *aggregator.Aggregator, tempId string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range agg.GetTranscript() {
			if msg.ClientTempId == tempId && msg.Confirmed() {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	errColor.Println("confirmation timed out")
}

func printToasts(ctx context.Context, signal *bus.Bus) {
	toasts, err := signal.Subscribe(ctx, bus.TopicUIToast)
	if err != nil {
		return
	}
	for msg := range toasts {
		var toast notify.Toast
		if err := json.Unmarshal(msg.Payload, &toast); err == nil {
			toastColor.Printf("TOAST: %s\n", toast.Text)
		}
		msg.Ack()
	}
}

func printTranscript(agg *aggregator.Aggregator) {
	titleColor.Println("\n=== Final transcript ===")
	for _, msg := range agg.GetTranscript() {
		switch msg.Kind {
		case model.KindSystemNotice:
			systemColor.Printf("  -- %s --\n", msg.Content)
		default:
			status := ""
			if msg.SendStatus == model.SendFailed {
				status = " [failed]"
			}
			attach := ""
			if len(msg.Attachments) > 0 {
				attach = fmt.Sprintf(" (+%d attachment)", len(msg.Attachments))
			}
			fmt.Printf("  [%s] %s: %s%s%s\n", msg.DisplayKey(), msg.AuthorRef, msg.Content, attach, status)
		}
	}
	fmt.Printf("Unread: %d\n", agg.UnreadCount())
}
