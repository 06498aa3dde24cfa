package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the ephemeral per-connection resume state: the last-delivered
// sequence number for each tag. It is the only state that survives a
// reconnect of the underlying connection, and it dies with the bridge.
type Session struct {
	ID string

	mu        sync.Mutex
	delivered map[Tag]uint64
}

func NewSession() *Session {
	return &Session{
		ID:        uuid.New().String(),
		delivered: make(map[Tag]uint64),
	}
}

// Admit reports whether a frame with the given tag and sequence number is
// new, and records it as delivered if so. Frames at or below the
// last-delivered sequence for their tag are replays and must be discarded,
// which turns the agent's at-least-once resend into effectively-once
// delivery to the local subscriber.
func (s *Session) Admit(tag Tag, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.delivered[tag] {
		return false
	}
	s.delivered[tag] = seq
	return true
}

// ResumePoints returns a copy of the per-tag last-delivered sequence
// numbers, sent to the agent after a reconnect so it can replay from there.
func (s *Session) ResumePoints() map[Tag]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	points := make(map[Tag]uint64, len(s.delivered))
	for tag, seq := range s.delivered {
		points[tag] = seq
	}
	return points
}
