package model

import (
	"strconv"
	"time"
)

type MessageKind string

const (
	KindText           MessageKind = "TEXT"
	KindSystemNotice   MessageKind = "SYSTEM_NOTICE"
	KindStreamingReply MessageKind = "STREAMING_REPLY"
)

// SendStatus tracks the lifecycle of a locally-originated message.
type SendStatus string

const (
	SendConfirmed  SendStatus = "CONFIRMED"
	SendPending    SendStatus = "PENDING"
	SendFailed     SendStatus = "FAILED"
	SendNotApplied SendStatus = "" // inbound messages never enter the send lifecycle
)

type StreamStatus string

const (
	StreamPending   StreamStatus = "PENDING"
	StreamStreaming StreamStatus = "STREAMING"
	StreamComplete  StreamStatus = "COMPLETE"
	StreamFailed    StreamStatus = "FAILED"
)

// StreamState is attached only to KindStreamingReply messages.
// AssembledText is always recomputed from Chunks, never edited directly.
type StreamState struct {
	Status        StreamStatus `json:"status"`
	Chunks        []string     `json:"chunks"`
	AssembledText string       `json:"assembledText"`
	LastSeq       int64        `json:"lastSeq"`
	StartedAt     time.Time    `json:"startedAt"`
	LastChunkAt   time.Time    `json:"lastChunkAt"`
	EndedAt       *time.Time   `json:"endedAt,omitempty"`
}

// Assemble recomputes AssembledText from the chunk sequence.
func (s *StreamState) Assemble() {
	total := 0
	for _, c := range s.Chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range s.Chunks {
		buf = append(buf, c...)
	}
	s.AssembledText = string(buf)
}

type Message struct {
	Id             int64        `json:"id"` // 0 until the server confirms
	ClientTempId   string       `json:"clientTempId,omitempty"`
	ConversationId string       `json:"conversationId"`
	AuthorRef      string       `json:"authorRef"`
	CreatedAt      time.Time    `json:"createdAt"`
	Kind           MessageKind  `json:"kind"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`

	SendStatus SendStatus   `json:"sendStatus,omitempty"`
	Stream     *StreamState `json:"stream,omitempty"`

	IsEdited  bool `json:"isEdited,omitempty"`
	IsRevoked bool `json:"isRevoked,omitempty"`
	IsRead    bool `json:"isRead,omitempty"`

	// insertionOrder is assigned by the transcript and breaks ties between
	// equal CreatedAt values so ordering stays stable under clock skew.
	insertionOrder int64
}

// DisplayKey returns the single key a message is rendered under: the server
// id once confirmed, the client temp id while pending.
func (m *Message) DisplayKey() string {
	if m.Id != 0 {
		return strconv.FormatInt(m.Id, 10)
	}
	return m.ClientTempId
}

// Confirmed reports whether the server has assigned this message an id.
func (m *Message) Confirmed() bool {
	return m.Id != 0
}

// InsertionOrder exposes the transcript-assigned tie-break position.
func (m *Message) InsertionOrder() int64 {
	return m.insertionOrder
}

// SetInsertionOrder is called by the transcript only.
func (m *Message) SetInsertionOrder(n int64) {
	m.insertionOrder = n
}
