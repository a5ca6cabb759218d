// Package metrics maintains the proxy's health and performance counters:
// monotonically increasing request/error totals, a latency aggregate and an
// uptime clock. Writers use lock-free atomic increments; snapshots copy a
// consistent point-in-time view without blocking them.
package metrics

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/poemux/poemux/core"
)

// categories enumerates the error categories tracked individually. Built
// once at construction so increments stay lock-free.
var categories = []core.ErrorCategory{
	core.CategoryAuthentication,
	core.CategoryInvalidRequest,
	core.CategoryThrottled,
	core.CategoryUnavailable,
	core.CategoryTimeout,
	core.CategoryProtocolMismatch,
	core.CategoryCircuitOpen,
	core.CategorySessionNotFound,
	core.CategoryStreamGap,
	core.CategoryStreamDisconnected,
	core.CategoryInternal,
}

// Collector accumulates counters for completed call chains. Each chain is
// recorded exactly once, success or exhausted.
type Collector struct {
	start         atomic.Int64 // unix nanos
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	totalTokens   atomic.Int64
	byCategory    map[core.ErrorCategory]*atomic.Int64

	latCount atomic.Int64
	latSum   atomic.Int64 // nanos
	latMin   atomic.Int64 // nanos, MaxInt64 until the first record
	latMax   atomic.Int64 // nanos
}

// NewCollector constructs a zeroed collector with the uptime clock started.
func NewCollector() *Collector {
	c := &Collector{byCategory: make(map[core.ErrorCategory]*atomic.Int64, len(categories))}
	for _, cat := range categories {
		c.byCategory[cat] = &atomic.Int64{}
	}
	c.latMin.Store(math.MaxInt64)
	c.start.Store(time.Now().UnixNano())
	return c
}

// RecordSuccess counts one successful call chain and its latency.
func (c *Collector) RecordSuccess(latency time.Duration, usage *core.Usage) {
	c.totalRequests.Add(1)
	c.recordLatency(latency)
	if usage != nil {
		c.totalTokens.Add(int64(usage.TotalTokens))
	}
}

// RecordError counts one terminally failed call chain under its category.
func (c *Collector) RecordError(category core.ErrorCategory, latency time.Duration) {
	c.totalRequests.Add(1)
	c.totalErrors.Add(1)
	if ctr, ok := c.byCategory[category]; ok {
		ctr.Add(1)
	} else {
		c.byCategory[core.CategoryInternal].Add(1)
	}
	c.recordLatency(latency)
}

func (c *Collector) recordLatency(d time.Duration) {
	n := int64(d)
	c.latCount.Add(1)
	c.latSum.Add(n)
	for {
		min := c.latMin.Load()
		if n >= min || c.latMin.CompareAndSwap(min, n) {
			break
		}
	}
	for {
		max := c.latMax.Load()
		if n <= max || c.latMax.CompareAndSwap(max, n) {
			return
		}
	}
}

// Snapshot is a consistent point-in-time copy of the counters.
type Snapshot struct {
	TotalRequests int64                          `json:"total_requests"`
	TotalErrors   int64                          `json:"total_errors"`
	TotalTokens   int64                          `json:"total_tokens"`
	ErrorRate     float64                        `json:"error_rate"`
	AvgLatencyMs  float64                        `json:"avg_latency_ms"`
	MinLatencyMs  float64                        `json:"min_latency_ms"`
	MaxLatencyMs  float64                        `json:"max_latency_ms"`
	ErrorsByKind  map[core.ErrorCategory]int64   `json:"errors_by_kind"`
	UptimeSeconds float64                        `json:"uptime_seconds"`
}

// Snapshot returns the current counters without blocking writers.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests: c.totalRequests.Load(),
		TotalErrors:   c.totalErrors.Load(),
		TotalTokens:   c.totalTokens.Load(),
		ErrorsByKind:  make(map[core.ErrorCategory]int64, len(categories)),
		UptimeSeconds: time.Since(time.Unix(0, c.start.Load())).Seconds(),
	}
	for cat, ctr := range c.byCategory {
		if v := ctr.Load(); v > 0 {
			s.ErrorsByKind[cat] = v
		}
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	if n := c.latCount.Load(); n > 0 {
		s.AvgLatencyMs = float64(c.latSum.Load()) / float64(n) / float64(time.Millisecond)
		s.MinLatencyMs = float64(c.latMin.Load()) / float64(time.Millisecond)
	}
	s.MaxLatencyMs = float64(c.latMax.Load()) / float64(time.Millisecond)
	return s
}

// Reset zeroes all counters and restarts the uptime clock. It does not touch
// session or rate limiter state.
func (c *Collector) Reset() {
	c.totalRequests.Store(0)
	c.totalErrors.Store(0)
	c.totalTokens.Store(0)
	c.latCount.Store(0)
	c.latSum.Store(0)
	c.latMin.Store(math.MaxInt64)
	c.latMax.Store(0)
	for _, ctr := range c.byCategory {
		ctr.Store(0)
	}
	c.start.Store(time.Now().UnixNano())
}

// Health is the status summary consumed by an external monitor.
type Health struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
}

// Health derives the status surface from the current counters. The proxy
// reports degraded once more than half of all completed chains failed.
func (c *Collector) Health(activeSessions int) Health {
	s := c.Snapshot()
	status := "healthy"
	if s.TotalRequests > 0 && s.ErrorRate > 0.5 {
		status = "degraded"
	}
	return Health{Status: status, UptimeSeconds: s.UptimeSeconds, ActiveSessions: activeSessions}
}
