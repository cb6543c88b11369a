package jobs

import (
	"testing"
	"time"
)

func TestExponentialBackoffDoubles(t *testing.T) {
	p := Exponential(5*time.Second, 5*time.Minute)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestExponentialBackoffCapped(t *testing.T) {
	p := Exponential(1*time.Second, 10*time.Second)
	if got := p.Delay(10); got != 10*time.Second {
		t.Errorf("Delay(10) = %v, want cap of 10s", got)
	}
}

func TestFixedBackoffConstant(t *testing.T) {
	p := Fixed(2 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if got := p.Delay(attempt); got != 2*time.Second {
			t.Errorf("Delay(%d) = %v, want 2s", attempt, got)
		}
	}
}

func TestBackoffFloorsAttempt(t *testing.T) {
	p := Exponential(5*time.Second, 5*time.Minute)
	if got := p.Delay(0); got != 5*time.Second {
		t.Errorf("Delay(0) = %v, want base", got)
	}
}
