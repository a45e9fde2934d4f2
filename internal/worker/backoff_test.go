package worker

import (
	"testing"
	"time"
)

func TestBackoff_Bounds(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{4, 32 * time.Second},
		{7, 256 * time.Second},
		{10, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := Backoff(tt.attempt, base, max)
			if d > tt.ceiling && d > 500*time.Millisecond {
				t.Fatalf("Backoff(%d) = %s, want <= %s", tt.attempt, d, tt.ceiling)
			}
			if d < 500*time.Millisecond {
				t.Fatalf("Backoff(%d) = %s, below the floor", tt.attempt, d)
			}
			if d > max {
				t.Fatalf("Backoff(%d) = %s, exceeds cap %s", tt.attempt, d, max)
			}
		}
	}
}

func TestBackoff_Jitters(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		seen[Backoff(6, 2*time.Second, 5*time.Minute)] = true
	}
	if len(seen) < 2 {
		t.Errorf("Backoff produced %d distinct delays in 50 draws, expected jitter", len(seen))
	}
}

func TestBackoff_NegativeAttempt(t *testing.T) {
	d := Backoff(-3, 2*time.Second, 5*time.Minute)
	if d < 500*time.Millisecond || d > 2*time.Second {
		t.Errorf("Backoff(-3) = %s, want within first-attempt range", d)
	}
}

func TestBackoff_ZeroConfigUsesDefaults(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := Backoff(50, 0, 0)
		if d > 5*time.Minute {
			t.Fatalf("Backoff with zero config = %s, want default 5m cap", d)
		}
	}
}
