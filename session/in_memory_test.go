package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poemux/poemux/core"
)

// Interface compliance (compile-time assertion)
var _ core.SessionStore = (*InMemoryStore)(nil)

func TestInMemoryStore_CreateAndGetOrCreate(t *testing.T) {
	store := NewInMemoryStore()

	created := store.Create()
	if created.ID == "" {
		t.Fatal("expected generated session id")
	}
	if len(created.Messages) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(created.Messages))
	}

	got := store.GetOrCreate(created.ID)
	if got.ID != created.ID {
		t.Fatalf("expected same session, got %s", got.ID)
	}

	fresh := store.GetOrCreate("unknown-id")
	if fresh.ID == "unknown-id" {
		t.Fatal("unknown id must not be adopted; a fresh id must be generated")
	}
	// created + the fresh one; reading an existing id creates nothing.
	if store.Active() != 2 {
		t.Fatalf("expected 2 active sessions, got %d", store.Active())
	}
}

func TestInMemoryStore_ReadDoesNotRefreshTTL(t *testing.T) {
	store := NewInMemoryStore()
	sess := store.Create()

	before := store.GetOrCreate(sess.ID).LastActivity
	time.Sleep(5 * time.Millisecond)
	after := store.GetOrCreate(sess.ID).LastActivity
	if !after.Equal(before) {
		t.Fatalf("read refreshed last activity: %v -> %v", before, after)
	}

	if err := store.Append(sess.ID, core.NewUserMessage("q"), core.NewAssistantMessage("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	refreshed := store.GetOrCreate(sess.ID).LastActivity
	if !refreshed.After(before) {
		t.Fatal("append must refresh last activity")
	}
}

func TestInMemoryStore_AppendUnknownSession(t *testing.T) {
	store := NewInMemoryStore()
	err := store.Append("nope", core.NewUserMessage("q"), core.NewAssistantMessage("a"))
	if err != core.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestInMemoryStore_ClearIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	sess := store.Create()
	if !store.Clear(sess.ID) {
		t.Fatal("expected clear to report existing session")
	}
	if store.Clear(sess.ID) {
		t.Fatal("second clear must report absence")
	}
}

func TestInMemoryStore_SweepRemovesExactlyExpired(t *testing.T) {
	store := NewInMemoryStore(func(o *Options) { o.TTL = 60 * time.Minute })

	// Both sessions are last active around base. With TTL 60min they must be
	// present when swept at base+59min and gone when swept at base+61min.
	live := store.Create()
	stale := store.Create()

	base := time.Now().UTC()
	if err := store.Append(stale.ID, core.NewUserMessage("q"), core.NewAssistantMessage("a")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if n := store.Sweep(base.Add(59 * time.Minute)); n != 0 {
		t.Fatalf("expected no evictions at t=59m, got %d", n)
	}
	if store.Active() != 2 {
		t.Fatalf("expected both sessions live, got %d", store.Active())
	}

	if n := store.Sweep(base.Add(61 * time.Minute)); n != 2 {
		t.Fatalf("expected both sessions evicted at t=61m, got %d", n)
	}
	if store.Clear(live.ID) || store.Clear(stale.ID) {
		t.Fatal("swept sessions must be gone")
	}
}

func TestInMemoryStore_ExpiredSessionReplacedOnAccess(t *testing.T) {
	store := NewInMemoryStore(func(o *Options) { o.TTL = time.Millisecond })
	sess := store.Create()
	time.Sleep(5 * time.Millisecond)
	got := store.GetOrCreate(sess.ID)
	if got.ID == sess.ID {
		t.Fatal("expired session must not be returned")
	}
}

func TestInMemoryStore_ConcurrentAppendAndSweep(t *testing.T) {
	store := NewInMemoryStore(func(o *Options) { o.TTL = 5 * time.Millisecond })

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = store.Create().ID
	}

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				// Expired sessions may have been swept out from under us;
				// only the absence of a race matters here.
				_ = store.Append(id, core.NewUserMessage("q"), core.NewAssistantMessage("a"))
				_ = store.GetOrCreate(id)
			}
		}(ids[i])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			store.Sweep(time.Now().UTC())
		}
	}()
	wg.Wait()
}

func TestInMemoryStore_ConcurrentDistinctSessions(t *testing.T) {
	store := NewInMemoryStore()
	const workers = 32
	ids := make([]string, workers)
	for i := range ids {
		ids[i] = store.Create().ID
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				req := core.NewUserMessage(fmt.Sprintf("q%d", j))
				resp := core.NewAssistantMessage(fmt.Sprintf("a%d", j))
				if err := store.Append(ids[i], req, resp); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
				_ = store.GetOrCreate(ids[i])
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if got := len(store.GetOrCreate(id).Messages); got != 100 {
			t.Fatalf("expected 100 messages, got %d", got)
		}
	}
}
