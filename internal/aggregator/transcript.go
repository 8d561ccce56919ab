package aggregator

import (
	"sort"

	"chat-sync-core/internal/model"
)

// transcript is the single ordered message sequence for one conversation.
// Entries are sorted by CreatedAt with a stable insertion-order tie-break,
// so equal timestamps (clock skew) never produce ambiguous order. Only the
// aggregator touches it, always under the aggregator's lock.
type transcript struct {
	entries   []*model.Message
	nextOrder int64
}

func newTranscript() *transcript {
	return &transcript{entries: make([]*model.Message, 0, 64)}
}

// insert places m at its chronological position. Entries with an equal
// timestamp keep arrival order.
func (t *transcript) insert(m *model.Message) {
	m.SetInsertionOrder(t.nextOrder)
	t.nextOrder++

	idx := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if !e.CreatedAt.Equal(m.CreatedAt) {
			return e.CreatedAt.After(m.CreatedAt)
		}
		return e.InsertionOrder() > m.InsertionOrder()
	})

	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = m
}

// reposition re-sorts a single entry after its timestamp changed.
func (t *transcript) reposition(m *model.Message) {
	for i, e := range t.entries {
		if e == m {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}

	idx := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if !e.CreatedAt.Equal(m.CreatedAt) {
			return e.CreatedAt.After(m.CreatedAt)
		}
		return e.InsertionOrder() > m.InsertionOrder()
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = m
}

func (t *transcript) findByServerId(id int64) *model.Message {
	if id == 0 {
		return nil
	}
	for _, e := range t.entries {
		if e.Id == id {
			return e
		}
	}
	return nil
}

func (t *transcript) findByTempId(tempId string) *model.Message {
	if tempId == "" {
		return nil
	}
	for _, e := range t.entries {
		if e.ClientTempId == tempId {
			return e
		}
	}
	return nil
}

func (t *transcript) findByDisplayKey(key string) *model.Message {
	for _, e := range t.entries {
		if e.DisplayKey() == key {
			return e
		}
	}
	return nil
}

func (t *transcript) len() int {
	return len(t.entries)
}

// snapshot builds a full copy for readers. Nested slices are cloned too, so
// a consumer mid-render never observes a later in-place mutation.
func (t *transcript) snapshot() []model.Message {
	out := make([]model.Message, len(t.entries))
	for i, e := range t.entries {
		msg := *e
		if len(e.Attachments) > 0 {
			msg.Attachments = append([]model.Attachment(nil), e.Attachments...)
		}
		if e.Stream != nil {
			stream := *e.Stream
			if len(e.Stream.Chunks) > 0 {
				stream.Chunks = append([]string(nil), e.Stream.Chunks...)
			}
			msg.Stream = &stream
		}
		out[i] = msg
	}
	return out
}
