package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
)

// MemoryStore is an in-process TranscriptStore and ContactStore used by
// tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	turns    map[string][]ports.Turn // contact id -> turns in append order
	byID     map[string]ports.Turn
	contacts map[string]ports.Contact
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:    make(map[string][]ports.Turn),
		byID:     make(map[string]ports.Turn),
		contacts: make(map[string]ports.Contact),
		now:      time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, turn ports.Turn) (ports.Turn, error) {
	if turn.ContactID == "" || turn.ID == "" {
		return ports.Turn{}, fmt.Errorf("turn requires id and contact id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[turn.ID]; ok {
		return existing, nil
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	s.seq++
	turn.Seq = s.seq
	s.turns[turn.ContactID] = append(s.turns[turn.ContactID], turn)
	s.byID[turn.ID] = turn
	return turn, nil
}

func (s *MemoryStore) Latest(ctx context.Context, contactID string, actor ports.Actor) (ports.Turn, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.sorted(contactID) {
		if t.Actor == actor {
			return t, true, nil
		}
	}
	return ports.Turn{}, false, nil
}

func (s *MemoryStore) History(ctx context.Context, contactID string, limit int) ([]ports.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.sorted(contactID)
	if limit >= 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return turns, nil
}

// sorted returns a copy of the contact's turns ordered newest first.
func (s *MemoryStore) sorted(contactID string) []ports.Turn {
	turns := append([]ports.Turn(nil), s.turns[contactID]...)
	sort.Slice(turns, func(i, j int) bool {
		if !turns[i].Timestamp.Equal(turns[j].Timestamp) {
			return turns[i].Timestamp.After(turns[j].Timestamp)
		}
		return turns[i].Seq > turns[j].Seq
	})
	return turns
}

func (s *MemoryStore) EnsureContact(ctx context.Context, contact ports.Contact) (ports.Contact, bool, error) {
	if contact.ID == "" {
		return ports.Contact{}, false, fmt.Errorf("contact id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.contacts[contact.ID]; ok {
		return existing, false, nil
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = s.now()
	}
	s.contacts[contact.ID] = contact
	return contact, true, nil
}

func (s *MemoryStore) GetContact(ctx context.Context, id string) (ports.Contact, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	return c, ok, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Ensure MemoryStore implements the store interfaces.
var (
	_ ports.TranscriptStore = (*MemoryStore)(nil)
	_ ports.ContactStore    = (*MemoryStore)(nil)
)
