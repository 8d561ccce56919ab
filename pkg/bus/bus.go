package bus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics carried by the in-process bus. Transcript ticks let render loops
// poll a fresh snapshot; toast signals never enter the transcript.
const (
	TopicTranscriptUpdated = "transcript.updated"
	TopicUIToast           = "ui.toast"
	TopicUploadState       = "upload.state"
)

// Bus is a thin wrapper over a watermill gochannel pub/sub, shared by every
// component that emits out-of-band signals.
type Bus struct {
	pubSub *gochannel.GoChannel
}

func New() *Bus {
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)
	return &Bus{pubSub: pubSub}
}

// Publish marshals payload as JSON and fires it on topic. Delivery is
// best-effort; a bus with no subscribers drops the signal.
func (b *Bus) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.pubSub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}

// Subscribe returns the raw watermill channel for topic. Callers must Ack
// every message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, topic)
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}
