package pacing

import (
	"testing"
	"time"
)

func TestRateLimitEscalation(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	ok := p.NextDelay(Success, 1)
	limited := p.NextDelay(RateLimited, 1)
	if limited-ok < p.Cooldown-p.Delay {
		t.Fatalf("rate-limited delay %v not escalated over success delay %v", limited, ok)
	}
	if limited != DefaultCooldown {
		t.Fatalf("cooldown = %v, want %v", limited, DefaultCooldown)
	}
}

func TestOtherFailureNotPenalized(t *testing.T) {
	t.Parallel()
	p := Policy{Delay: 2 * time.Second, Cooldown: 30 * time.Second}
	if got := p.NextDelay(Failed, 3); got != p.Delay {
		t.Fatalf("Failed delay = %v, want %v", got, p.Delay)
	}
	// No carried-over penalty: the call after a cooldown is back to normal.
	_ = p.NextDelay(RateLimited, 4)
	if got := p.NextDelay(Success, 5); got != p.Delay {
		t.Fatalf("post-cooldown delay = %v, want %v", got, p.Delay)
	}
}

func TestCooldownNeverShorterThanDelay(t *testing.T) {
	t.Parallel()
	p := Policy{Delay: 5 * time.Second, Cooldown: time.Second}
	if got := p.NextDelay(RateLimited, 0); got != 5*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 7}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got, ok := b.Delay(i)
		if !ok {
			t.Fatalf("attempt %d: abandoned early", i)
		}
		if got != w*time.Second {
			t.Fatalf("attempt %d: delay = %v, want %v", i, got, w*time.Second)
		}
	}
	if _, ok := b.Delay(7); ok {
		t.Fatal("expected attempt ceiling to be reached")
	}
}
