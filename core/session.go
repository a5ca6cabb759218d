package core

import "time"

// Session is a server-held conversational context: a generated identifier,
// the ordered sequence of exchanged messages and the activity timestamps
// driving eviction. Stores hand out clones, so a Session value is safe to
// read without further locking.
//
// Contract:
//   - LastActivity is monotonically non-decreasing
//   - only a successful Append refreshes LastActivity; reads never do, so a
//     stream of failed calls cannot extend a session indefinitely
//   - eligible for eviction once now - LastActivity > ttl
type Session struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

// NewSession creates an empty session with a generated identifier and both
// timestamps set to now.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{ID: NewID(), Messages: []Message{}, Created: now, LastActivity: now}
}

// Expired reports whether the session is past its time-to-live at the given
// instant.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := &Session{ID: s.ID, Messages: make([]Message, len(s.Messages)), Created: s.Created, LastActivity: s.LastActivity}
	copy(clone.Messages, s.Messages)
	return clone
}

// History returns the message sequence of the clone. Kept as a method so
// callers do not reach into the slice directly.
func (s *Session) History() []Message { return s.Messages }

// SessionStore holds per-conversation message history and expiry metadata.
// Implementations must allow simultaneous calls for different session
// identifiers without blocking each other; calls on the same identifier are
// serialized. All state is process-local and lost on restart by design.
type SessionStore interface {
	// Create allocates a fresh session. Never fails.
	Create() *Session

	// GetOrCreate returns the session for id, or a fresh one when id is
	// empty, unknown or expired. Reading does not refresh the TTL.
	GetOrCreate(id string) *Session

	// Append records a request/response pair and refreshes LastActivity.
	// Returns ErrSessionNotFound when id is unknown.
	Append(id string, request, response Message) error

	// Clear removes the session, reporting whether it existed. Idempotent.
	Clear(id string) bool

	// Sweep removes every session past its TTL at the given instant and
	// returns how many were evicted.
	Sweep(now time.Time) int

	// Active returns the number of live sessions.
	Active() int
}
