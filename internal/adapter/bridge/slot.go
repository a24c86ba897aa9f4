package bridge

import (
	"sync"

	"swarmbridge/internal/domain"
)

// Slot is a single-slot mailbox cell: at most one pending envelope.
// A new Put before the previous envelope is consumed replaces it; there is
// no queue and no backlog. Each direction of the bridge owns one Slot.
type Slot struct {
	mu  sync.Mutex
	env *domain.Envelope
}

// Put stores an envelope, overwriting any unconsumed one (last-write-wins).
func (s *Slot) Put(env domain.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = &env
}

// Take atomically reads and clears the slot. The second return is false
// when the slot is empty: an empty mailbox is a normal condition, not an
// error.
func (s *Slot) Take() (domain.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		return domain.Envelope{}, false
	}
	env := *s.env
	s.env = nil
	return env, true
}

// Peek reads without clearing, so the latest envelope stays re-readable.
func (s *Slot) Peek() (domain.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		return domain.Envelope{}, false
	}
	return *s.env, true
}
