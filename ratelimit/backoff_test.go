package ratelimit

import (
	"testing"
	"time"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := NewBackoff(250*time.Millisecond, 30*time.Second)

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := b.delay(attempt)
		if d < prev {
			t.Fatalf("delay sequence decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, d)
		}
		if attempt < 7 { // 250ms * 2^7 = 32s > cap
			want := 250 * time.Millisecond << attempt
			if d != want {
				t.Fatalf("attempt %d: got %v, want %v", attempt, d, want)
			}
		}
		prev = d
	}
	if b.delay(11) != 30*time.Second {
		t.Fatalf("expected capped delay, got %v", b.delay(11))
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		d := b.Delay(2) // deterministic part: 400ms
		if d < 400*time.Millisecond || d > 800*time.Millisecond {
			t.Fatalf("jittered delay out of [d, 2d]: %v", d)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Base != DefaultBaseWait || b.Max != DefaultMaxBackoff {
		t.Fatalf("unexpected defaults: base=%v max=%v", b.Base, b.Max)
	}
}
