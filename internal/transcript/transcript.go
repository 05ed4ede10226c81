// Package transcript holds the ordered message list of the active thread as the user sees it:
// optimistic local drafts while a reply streams in, replaced wholesale by the backend's history
// once it is known.
package transcript

import (
	"sync"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/google/uuid"
)

// Transcript is safe for concurrent use. It never calls out while holding its lock.
type Transcript struct {
	mu       sync.Mutex
	threadID models.ID
	messages []models.Message
}

// Binding writes the events of one stream session into a single transcript message. It implements
// stream.Target. Writes to a message that no longer exists are ignored.
type Binding struct {
	t       *Transcript
	localID string
}

// New returns an empty transcript for threadID.
func New(threadID models.ID) *Transcript {
	return &Transcript{threadID: threadID}
}

// ServerLocalID is the local id a message fetched from the backend is stored under.
func ServerLocalID(id models.ID) string {
	return "srv-" + string(id)
}

// Append inserts msg at the end of the transcript under a fresh local id, and returns that id.
func (t *Transcript) Append(msg models.Message) string {
	msg.LocalID = newLocalID(msg.Role)
	if msg.Status == "" {
		msg.Status = models.StatusFinal
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
	return msg.LocalID
}

// MutateByLocalID applies update to the message with localID. It reports whether the message was
// found; a missing message is not an error.
func (t *Transcript) MutateByLocalID(localID string, update func(*models.Message)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].LocalID != localID {
			continue
		}
		update(&t.messages[i])
		// The local id is the correlation key and can't be changed by an update.
		t.messages[i].LocalID = localID
		return true
	}
	return false
}

// Reconcile replaces the whole transcript with the backend's authoritative list. Reconciling twice
// with the same list yields the same transcript.
func (t *Transcript) Reconcile(server []models.Message) {
	msgs := fromServer(server)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = msgs
}

// ReplaceAll switches the transcript to another thread and its history.
func (t *Transcript) ReplaceAll(threadID models.ID, server []models.Message) {
	msgs := fromServer(server)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.threadID = threadID
	t.messages = msgs
}

// ThreadID returns the thread the transcript currently shows.
func (t *Transcript) ThreadID() models.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.threadID
}

// Messages returns a copy of the messages in display order.
func (t *Transcript) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.messages...)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Streaming returns the number of messages in the streaming state.
func (t *Transcript) Streaming() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.messages {
		if m.Status == models.StatusStreaming {
			n++
		}
	}
	return n
}

// LastUserMessage returns the most recent user message.
func (t *Transcript) LastUserMessage() (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == models.RoleUser {
			return t.messages[i], true
		}
	}
	return models.Message{}, false
}

// Bind returns the writer for the message with localID.
func (t *Transcript) Bind(localID string) *Binding {
	return &Binding{t: t, localID: localID}
}

// LocalID returns the id of the bound message.
func (b *Binding) LocalID() string {
	return b.localID
}

// Begin marks the bound message as streaming.
func (b *Binding) Begin() {
	b.t.MutateByLocalID(b.localID, func(m *models.Message) {
		m.Status = models.StatusStreaming
	})
}

// Append concatenates fragment to the content of a streaming message.
func (b *Binding) Append(fragment string) {
	b.t.MutateByLocalID(b.localID, func(m *models.Message) {
		if m.Status != models.StatusStreaming {
			return
		}
		m.Content += fragment
	})
}

// Complete marks the bound message final.
func (b *Binding) Complete() {
	b.t.MutateByLocalID(b.localID, func(m *models.Message) {
		m.Status = models.StatusFinal
	})
}

// Fail replaces the content with the error marker for reason.
func (b *Binding) Fail(reason string) {
	b.t.MutateByLocalID(b.localID, func(m *models.Message) {
		m.Content = models.ErrorContent(reason)
		m.Status = models.StatusErrored
	})
}

// Stop keeps the partial content and marks the message errored.
func (b *Binding) Stop() {
	b.t.MutateByLocalID(b.localID, func(m *models.Message) {
		m.Status = models.StatusErrored
	})
}

func fromServer(server []models.Message) []models.Message {
	msgs := make([]models.Message, 0, len(server))
	for _, m := range server {
		if m.ID != "" {
			m.LocalID = ServerLocalID(m.ID)
		} else {
			m.LocalID = newLocalID(m.Role)
		}
		m.Status = models.StatusFinal
		msgs = append(msgs, m)
	}
	return msgs
}

func newLocalID(role models.Role) string {
	prefix := "m-"
	switch role {
	case models.RoleUser:
		prefix = "u-"
	case models.RoleAssistant:
		prefix = "a-"
	}
	return prefix + uuid.NewString()
}
