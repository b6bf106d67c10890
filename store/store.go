// Package store holds the ordered, identity-deduplicated message history of
// a single conversation.
package store

import (
	"sync"

	"github.com/karthikraju391/greenmarket-chat/models"
)

// MessageStore keeps messages in the order they were received. It never
// re-sorts; callers feed it history in ascending order and live events in
// arrival order.
type MessageStore struct {
	mu       sync.RWMutex
	messages []models.Message
	index    map[string]struct{}
}

func New() *MessageStore {
	return &MessageStore{index: make(map[string]struct{})}
}

// Initialize replaces the contents with msgs. Repeated identities in msgs
// keep their first occurrence.
func (s *MessageStore) Initialize(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]models.Message, 0, len(msgs))
	s.index = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.appendLocked(m)
	}
}

// Append adds m unless a message with the same ID is already present. It
// reports whether an insertion happened.
func (s *MessageStore) Append(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *MessageStore) appendLocked(m models.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	s.index[m.ID] = struct{}{}
	s.messages = append(s.messages, m)
	return true
}

// Reconcile makes history the authoritative prefix and re-appends, in their
// current order, any held messages the history does not contain. It returns
// how many such messages were carried over.
func (s *MessageStore) Reconcile(history []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.messages
	s.messages = make([]models.Message, 0, len(history)+len(previous))
	s.index = make(map[string]struct{}, len(history)+len(previous))
	for _, m := range history {
		s.appendLocked(m)
	}
	carried := 0
	for _, m := range previous {
		if s.appendLocked(m) {
			carried++
		}
	}
	return carried
}

// Messages returns a copy of the ordered sequence.
func (s *MessageStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Last returns the most recently appended message.
func (s *MessageStore) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return models.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}
