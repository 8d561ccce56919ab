package event

import (
	"time"

	"chat-sync-core/internal/model"
)

// Hub method names for outbound invocations.
const (
	SendMessageEvent = "SendMessage"
	JoinRoomEvent    = "JoinChatRoom"
)

// OutboundMessage is the wire shape of one locally-originated send. The hub
// echoes ClientTempId back in the confirmation event, which is how the
// optimistic entry is reconciled.
type OutboundMessage struct {
	ClientTempId   string             `json:"clientTempId"`
	ConversationId string             `json:"conversationId"`
	Content        string             `json:"content"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}
