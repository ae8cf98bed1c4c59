package transport

import (
	"testing"
	"time"
)

func TestBackoffPolicy_DefaultSchedule(t *testing.T) {
	p := DefaultBackoffPolicy()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		if got := p.NextDelay(i + 1); got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.NextDelay(6); got >= 0 {
		t.Errorf("NextDelay past MaxAttempts = %v, want negative", got)
	}
	if got := p.NextDelay(0); got >= 0 {
		t.Errorf("NextDelay(0) = %v, want negative", got)
	}
}

func TestBackoffPolicy_CapsAtMaxDelay(t *testing.T) {
	p := BackoffPolicy{
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
		MaxAttempts:  4,
	}
	if got := p.NextDelay(3); got != 3*time.Second {
		t.Errorf("NextDelay(3) = %v, want cap of 3s", got)
	}
	if got := p.NextDelay(4); got != 3*time.Second {
		t.Errorf("NextDelay(4) = %v, want cap of 3s", got)
	}
}
