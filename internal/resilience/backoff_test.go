package resilience

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: true}

	for attempt := 1; attempt <= 8; attempt++ {
		base := Backoff{Initial: b.Initial, Max: b.Max, Multiplier: b.Multiplier}.Delay(attempt)
		for i := 0; i < 50; i++ {
			got := b.Delay(attempt)
			if got < base/2 || got >= base {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v)", attempt, got, base/2, base)
			}
		}
	}
}

func TestBackoffZeroInitial(t *testing.T) {
	if got := (Backoff{}).Delay(3); got != 0 {
		t.Errorf("Delay() with zero Initial = %v, want 0", got)
	}
}

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()
	if b.Initial != 30*time.Second || b.Max != time.Hour || !b.Jitter {
		t.Errorf("DefaultBackoff() = %+v", b)
	}
}
