package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type is the closed set of live event kinds the aggregator understands.
// Anything else is handed to the notification router, which has a total
// fallback, so new server-side codes degrade gracefully.
type Type string

const (
	TypeNewMessage       Type = "NEW_MESSAGE"
	TypeStreamChunk      Type = "STREAM_CHUNK"
	TypeStreamEnd        Type = "STREAM_END"
	TypeStreamError      Type = "STREAM_ERROR"
	TypeMessageConfirmed Type = "MESSAGE_CONFIRMED"
	TypeMessageEdited    Type = "MESSAGE_EDITED"
	TypeMessageDeleted   Type = "MESSAGE_DELETED"
	TypeSystemEvent      Type = "SYSTEM_EVENT"
)

// LiveEvent is the validated wire shape of one inbound event from the chat
// hub connection.
type LiveEvent struct {
	Type           Type      `json:"type" validate:"required"`
	ConversationId string    `json:"conversationId" validate:"required"`
	ClientTempId   string    `json:"clientTempId,omitempty"`
	MessageId      int64     `json:"messageId,omitempty"`
	SequenceNo     int64     `json:"sequenceNo,omitempty"`
	Chunk          string    `json:"chunk,omitempty"`
	Text           string    `json:"text,omitempty"`
	AuthorRef      string    `json:"authorRef,omitempty"`
	Code           string    `json:"code,omitempty"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
}

var validate = validator.New()

// Decode parses and validates one inbound payload. Events that fail here are
// dropped at the boundary; nothing malformed reaches the aggregator.
func Decode(data []byte) (*LiveEvent, error) {
	var ev LiveEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode live event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks the shared shape plus the per-type required fields.
func (e *LiveEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid live event: %w", err)
	}

	switch e.Type {
	case TypeNewMessage:
		if e.MessageId == 0 {
			return fmt.Errorf("invalid %s event: missing messageId", e.Type)
		}
	case TypeStreamChunk:
		if e.MessageId == 0 || e.SequenceNo <= 0 {
			return fmt.Errorf("invalid %s event: messageId and a positive sequenceNo are required", e.Type)
		}
	case TypeStreamEnd, TypeStreamError, TypeMessageEdited, TypeMessageDeleted:
		if e.MessageId == 0 {
			return fmt.Errorf("invalid %s event: missing messageId", e.Type)
		}
	case TypeMessageConfirmed:
		if e.ClientTempId == "" || e.MessageId == 0 {
			return fmt.Errorf("invalid %s event: clientTempId and messageId are required", e.Type)
		}
	}
	return nil
}

// ForAggregator reports whether the event mutates the transcript directly.
// System events and unknown types route through the notification router.
func (e *LiveEvent) ForAggregator() bool {
	switch e.Type {
	case TypeNewMessage, TypeStreamChunk, TypeStreamEnd, TypeStreamError,
		TypeMessageConfirmed, TypeMessageEdited, TypeMessageDeleted:
		return true
	}
	return false
}
