package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store for one-shot CLI runs and tests.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }

func (s *MemStore) ensureLocked(id string, now time.Time) *Conversation {
	c, ok := s.conversations[id]
	if !ok {
		c = &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
		s.conversations[id] = c
	}
	return c
}

func (s *MemStore) EnsureConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.ensureLocked(id, time.Now().UTC())
	c.MessageCount = len(s.messages[id])
	return &c, nil
}

func (s *MemStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.MessageCount = len(s.messages[id])
	return &cp, nil
}

func (s *MemStore) SetPersonaMode(_ context.Context, id, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c := s.ensureLocked(id, now)
	c.PersonaMode = mode
	c.UpdatedAt = now
	return nil
}

func (s *MemStore) RecentMessages(_ context.Context, id string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[id]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]Message(nil), all...), nil
}

func (s *MemStore) Messages(_ context.Context, id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages[id]...), nil
}

func (s *MemStore) AppendMessages(_ context.Context, id string, msgs []NewMessage) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, m := range msgs {
		if !validRole(m.Role) {
			return nil, fmt.Errorf("append messages: invalid role %q", m.Role)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c := s.ensureLocked(id, now)
	last := int64(len(s.messages[id]))

	out := make([]Message, 0, len(msgs))
	for i, nm := range msgs {
		msgID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("message id: %w", err)
		}
		out = append(out, Message{
			ID:             msgID.String(),
			ConversationID: id,
			Seq:            last + int64(i) + 1,
			Role:           nm.Role,
			Content:        nm.Content,
			ToolCallID:     nm.ToolCallID,
			Model:          nm.Model,
			PersonaMode:    nm.PersonaMode,
			CreatedAt:      now,
		})
	}
	s.messages[id] = append(s.messages[id], out...)
	c.UpdatedAt = now
	return append([]Message(nil), out...), nil
}

func (s *MemStore) ListConversations(_ context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for id, c := range s.conversations {
		cp := *c
		cp.MessageCount = len(s.messages[id])
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
