// Package relay carries a user's first message from the compose surface to
// the conversation surface across the navigation transition between them.
package relay

import (
	"sync"

	"lechat/internal/storage"
)

// Payload is the handed-off first message. Actions are opaque hints forwarded
// to the assistant endpoint.
type Payload struct {
	ChatID    string
	Message   string
	Images    []storage.Attachment
	Documents []storage.Attachment
	Actions   []string
}

// Slot is a single-item handoff. Set overwrites unconditionally
// (last-write-wins); Take drains exactly once. In-memory only: a process
// restart during the handoff window loses the pending message, which is
// accepted behavior. Instances are injected by reference; there is no
// package-level slot.
type Slot struct {
	mu      sync.Mutex
	payload *Payload
}

func NewSlot() *Slot {
	return &Slot{}
}

func (s *Slot) Set(p Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = &p
}

func (s *Slot) Get() (Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload == nil {
		return Payload{}, false
	}
	return *s.payload, true
}

// Take returns the payload and clears the slot in one step, so duplicate
// drains observe an empty slot.
func (s *Slot) Take() (Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload == nil {
		return Payload{}, false
	}
	p := *s.payload
	s.payload = nil
	return p, true
}

func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = nil
}
