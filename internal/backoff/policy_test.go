package backoff

import (
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	policy := ProviderRetryPolicy()

	tests := []struct {
		name        string
		k           int
		randomValue float64
		expected    time.Duration
	}{
		{"first failure no jitter", 0, 0, time.Second},
		{"second failure doubles", 1, 0, 2 * time.Second},
		{"third failure quadruples", 2, 0, 4 * time.Second},
		{"negative k clamps to zero", -3, 0, time.Second},
		{"capped at max", 10, 0, 60 * time.Second},
		{"full jitter adds 50ms", 0, 0.99999, time.Second + time.Duration(0.99999*float64(50*time.Millisecond))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.delayWithRand(tt.k, tt.randomValue)
			if got != tt.expected {
				t.Errorf("delayWithRand(%d, %v) = %v, want %v", tt.k, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestDelayBounds(t *testing.T) {
	policy := Policy{Base: 100 * time.Millisecond, Max: time.Second, JitterMax: 50 * time.Millisecond}
	for k := 0; k < 20; k++ {
		d := policy.Delay(k)
		if d < 100*time.Millisecond || d > time.Second+50*time.Millisecond {
			t.Fatalf("Delay(%d) = %v outside [100ms, 1.05s]", k, d)
		}
	}
}
