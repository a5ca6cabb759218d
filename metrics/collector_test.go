package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/poemux/poemux/core"
)

func TestCollector_RecordAndSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordSuccess(100*time.Millisecond, &core.Usage{TotalTokens: 42})
	c.RecordSuccess(300*time.Millisecond, nil)
	c.RecordError(core.CategoryThrottled, 50*time.Millisecond)

	s := c.Snapshot()
	if s.TotalRequests != 3 || s.TotalErrors != 1 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.ErrorsByKind[core.CategoryThrottled] != 1 {
		t.Fatalf("throttle count missing: %+v", s.ErrorsByKind)
	}
	if s.TotalTokens != 42 {
		t.Fatalf("unexpected token total: %d", s.TotalTokens)
	}
	wantAvg := 150.0
	if s.AvgLatencyMs < wantAvg-1 || s.AvgLatencyMs > wantAvg+1 {
		t.Fatalf("unexpected avg latency: %v", s.AvgLatencyMs)
	}
	if s.MinLatencyMs < 49 || s.MinLatencyMs > 51 {
		t.Fatalf("unexpected min latency: %v", s.MinLatencyMs)
	}
	if s.MaxLatencyMs < 299 || s.MaxLatencyMs > 301 {
		t.Fatalf("unexpected max latency: %v", s.MaxLatencyMs)
	}
	if s.ErrorRate < 0.33 || s.ErrorRate > 0.34 {
		t.Fatalf("unexpected error rate: %v", s.ErrorRate)
	}
}

func TestCollector_UnknownCategoryFallsBackToInternal(t *testing.T) {
	c := NewCollector()
	c.RecordError(core.ErrorCategory("martian"), time.Millisecond)
	if c.Snapshot().ErrorsByKind[core.CategoryInternal] != 1 {
		t.Fatal("unknown category must be counted as internal")
	}
}

func TestCollector_ResetZeroesCounters(t *testing.T) {
	c := NewCollector()
	c.RecordSuccess(time.Millisecond, nil)
	c.RecordError(core.CategoryTimeout, time.Millisecond)
	c.Reset()

	s := c.Snapshot()
	if s.TotalRequests != 0 || s.TotalErrors != 0 || len(s.ErrorsByKind) != 0 || s.AvgLatencyMs != 0 {
		t.Fatalf("counters survived reset: %+v", s)
	}
	if s.MinLatencyMs != 0 || s.MaxLatencyMs != 0 {
		t.Fatalf("latency extremes survived reset: %+v", s)
	}
}

func TestCollector_HealthDegradesOnHighErrorRate(t *testing.T) {
	c := NewCollector()
	if got := c.Health(0).Status; got != "healthy" {
		t.Fatalf("fresh collector should be healthy, got %s", got)
	}

	c.RecordError(core.CategoryUnavailable, time.Millisecond)
	c.RecordError(core.CategoryUnavailable, time.Millisecond)
	c.RecordSuccess(time.Millisecond, nil)

	h := c.Health(7)
	if h.Status != "degraded" {
		t.Fatalf("expected degraded at 66%% errors, got %s", h.Status)
	}
	if h.ActiveSessions != 7 {
		t.Fatalf("active sessions not surfaced: %+v", h)
	}
}

func TestCollector_ConcurrentWriters(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if j%2 == 0 {
					c.RecordSuccess(time.Millisecond, nil)
				} else {
					c.RecordError(core.CategoryTimeout, time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.TotalRequests != 1600 || s.TotalErrors != 800 {
		t.Fatalf("lost updates: %+v", s)
	}
}
