package session

import (
	"context"
	"sync"
	"time"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/logging"
)

// DefaultTTL matches the upstream account's session expiry of one hour.
const DefaultTTL = 60 * time.Minute

// DefaultSweepInterval is how often the background sweeper evicts expired sessions.
const DefaultSweepInterval = time.Minute

// Options configure the in-memory store.
type Options struct {
	// TTL is the session time-to-live measured from last successful append.
	TTL time.Duration
	// Logger receives eviction and lifecycle messages.
	Logger logging.Logger
}

// entry pairs a session with its own mutex so calls on the same identifier
// serialize without blocking calls on other identifiers.
type entry struct {
	mu   sync.Mutex
	sess *core.Session
}

// InMemoryStore is a volatile core.SessionStore keeping sessions in a
// process local map. A store-level RWMutex guards the map itself; each entry
// carries its own lock for per-identifier exclusivity. Returned sessions are
// clones to prevent external mutation of internal state.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	logger  logging.Logger
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore(optFns ...func(o *Options)) *InMemoryStore {
	opts := Options{TTL: DefaultTTL, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &InMemoryStore{entries: make(map[string]*entry), ttl: opts.TTL, logger: opts.Logger}
}

// Create allocates a fresh session with empty history.
func (s *InMemoryStore) Create() *core.Session {
	sess := core.NewSession()
	s.mu.Lock()
	s.entries[sess.ID] = &entry{sess: sess}
	s.mu.Unlock()
	s.logger.Debug("session created", "session_id", sess.ID)
	return sess.Clone()
}

// GetOrCreate returns the session for id or creates a fresh one when id is
// empty, unknown or already expired. Reads do not refresh LastActivity.
func (s *InMemoryStore) GetOrCreate(id string) *core.Session {
	if id == "" {
		return s.Create()
	}
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return s.Create()
	}
	e.mu.Lock()
	if !e.sess.Expired(time.Now(), s.ttl) {
		clone := e.sess.Clone()
		e.mu.Unlock()
		return clone
	}
	// Release the entry lock before touching the map: the store lock is
	// always taken first (see Sweep), never while holding an entry lock.
	e.mu.Unlock()

	s.mu.Lock()
	if cur, ok := s.entries[id]; ok && cur == e {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.logger.Debug("session expired on access", "session_id", id)
	return s.Create()
}

// Append records a completed request/response pair and refreshes
// LastActivity. The session must already exist.
func (s *InMemoryStore) Append(id string, request, response core.Message) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return core.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Messages = append(e.sess.Messages, request, response)
	if now := time.Now().UTC(); now.After(e.sess.LastActivity) {
		e.sess.LastActivity = now
	}
	return nil
}

// Clear removes the session history, reporting whether a session existed.
func (s *InMemoryStore) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	s.logger.Debug("session cleared", "session_id", id)
	return true
}

// Sweep removes exactly those sessions with now - LastActivity > ttl and
// returns the eviction count.
func (s *InMemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.entries {
		// LastActivity is written under the entry lock by Append, so the
		// expiry check must hold it too.
		e.mu.Lock()
		expired := e.sess.Expired(now, s.ttl)
		e.mu.Unlock()
		if expired {
			delete(s.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("swept expired sessions", "count", evicted)
	}
	return evicted
}

// Active returns the number of live sessions.
func (s *InMemoryStore) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartSweeper runs Sweep every interval until ctx is cancelled. It is the
// only writer that removes entries without a direct caller request.
func (s *InMemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}
