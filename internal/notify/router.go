package notify

import (
	"fmt"
	"time"

	"chat-sync-core/internal/event"
	"chat-sync-core/internal/model"
	"chat-sync-core/internal/pkg/logger"
	"chat-sync-core/pkg/bus"
)

// System event codes the backend emits alongside chat traffic.
const (
	CodeGroupCreated   = "GROUP_CREATED"
	CodeKicked         = "KICKED"
	CodeMemberAdded    = "MEMBER_ADDED"
	CodeUserLeft       = "USER_LEFT"
	CodeRenamed        = "RENAMED"
	CodeAvatarChanged  = "AVATAR_CHANGED"
	CodeAdminLeft      = "ADMIN_LEFT"
	CodeAdminChanged   = "ADMIN_CHANGED"
	CodeFriendAccepted = "FRIEND_REQUEST_ACCEPTED"
)

// Toast is a side-channel UI signal that never persists in the transcript.
type Toast struct {
	Code           string    `json:"code"`
	Text           string    `json:"text"`
	ConversationId string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Inserter is the aggregator's notice entry point.
type Inserter interface {
	InsertSystemNotice(notice model.Message)
}

type route struct {
	persist  bool
	template string // one %s slot for the acting member
}

// routes is total over the known codes; anything else falls back to a
// generic notice so new server-side codes degrade instead of disappearing.
var routes = map[string]route{
	CodeGroupCreated:   {persist: true, template: "%s created the group"},
	CodeKicked:         {persist: true, template: "%s was removed from the group"},
	CodeMemberAdded:    {persist: true, template: "%s joined the group"},
	CodeUserLeft:       {persist: true, template: "%s left the group"},
	CodeRenamed:        {persist: true, template: "%s renamed the group"},
	CodeAdminLeft:      {persist: true, template: "%s (admin) left the group"},
	CodeAdminChanged:   {persist: true, template: "%s is now the group admin"},
	CodeAvatarChanged:  {persist: false, template: "%s changed the group photo"},
	CodeFriendAccepted: {persist: false, template: "%s accepted your friend request"},
}

// Router classifies inbound system events and dispatches each either as a
// transcript notice, in chronological position, or as a toast on the signal
// bus. It never mutates the transcript itself.
type Router struct {
	inserter Inserter
	signal   *bus.Bus
	logger   logger.ILogger
}

func NewRouter(inserter Inserter, signal *bus.Bus, log logger.ILogger) *Router {
	return &Router{
		inserter: inserter,
		signal:   signal,
		logger:   log,
	}
}

// Route handles one system event. Unrecognized codes become a generic
// persisted notice, logged for follow-up.
func (r *Router) Route(ev *event.LiveEvent) {
	text := ev.Text
	rt, known := routes[ev.Code]
	if !known {
		r.logger.Warn("NotificationRouter", "Unknown system event code, using generic notice", map[string]interface{}{"code": ev.Code})
		rt = route{persist: true}
		if text == "" {
			text = "Conversation updated"
		}
	}
	if text == "" && rt.template != "" {
		actor := ev.AuthorRef
		if actor == "" {
			actor = "A member"
		}
		text = fmt.Sprintf(rt.template, actor)
	}

	if !rt.persist {
		r.emitToast(ev, text)
		return
	}

	r.inserter.InsertSystemNotice(model.Message{
		Id:             ev.MessageId,
		ConversationId: ev.ConversationId,
		AuthorRef:      ev.AuthorRef,
		CreatedAt:      ev.Timestamp,
		Kind:           model.KindSystemNotice,
		Content:        text,
	})
}

func (r *Router) emitToast(ev *event.LiveEvent, text string) {
	if r.signal == nil {
		return
	}
	err := r.signal.Publish(bus.TopicUIToast, Toast{
		Code:           ev.Code,
		Text:           text,
		ConversationId: ev.ConversationId,
		Timestamp:      ev.Timestamp,
	})
	if err != nil {
		r.logger.Error("NotificationRouter", "Failed to publish toast", map[string]interface{}{"error": err.Error()})
	}
}
