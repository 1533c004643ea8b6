package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/pidginlab/pidgin/internal/backoff"
)

// testLimiter returns a limiter with a controllable clock and recorded sleeps
// instead of real ones.
func testLimiter(cfg Config) (*Limiter, *time.Time, *[]time.Duration) {
	l := NewLimiter(cfg)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var sleeps []time.Duration
	l.now = func() time.Time { return now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		now = now.Add(d)
		return ctx.Err()
	}
	return l, &now, &sleeps
}

func strictConfig(rpw, tpw int) Config {
	return Config{
		Window:          time.Minute,
		SafetyMargin:    1.0,
		TokenMultiplier: 1.0,
		JitterMax:       0,
		Limits:          map[string]ProviderLimit{"openai": {RequestsPerWindow: rpw, TokensPerWindow: tpw}},
		Backoff:         backoff.Policy{Base: time.Second, Max: 60 * time.Second, JitterMax: 0},
	}
}

func TestAcquireUnderLimitIsImmediate(t *testing.T) {
	l, _, sleeps := testLimiter(strictConfig(10, 1000))

	for i := 0; i < 5; i++ {
		waited, err := l.Acquire(context.Background(), "openai", 100)
		if err != nil {
			t.Fatal(err)
		}
		if waited != 0 {
			t.Fatalf("request %d waited %v, want 0", i, waited)
		}
	}
	if len(*sleeps) != 0 {
		t.Errorf("unexpected sleeps: %v", *sleeps)
	}
}

func TestAcquireBlocksAtRequestCeiling(t *testing.T) {
	l, _, _ := testLimiter(strictConfig(2, 0))

	ctx := context.Background()
	if _, err := l.Acquire(ctx, "openai", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "openai", 0); err != nil {
		t.Fatal(err)
	}

	// Third request only fits after the first leaves the 60s window.
	waited, err := l.Acquire(ctx, "openai", 0)
	if err != nil {
		t.Fatal(err)
	}
	if waited < time.Minute {
		t.Errorf("waited %v, want >= window", waited)
	}
}

func TestAcquireBlocksAtTokenCeiling(t *testing.T) {
	l, _, _ := testLimiter(strictConfig(0, 1000))

	ctx := context.Background()
	if _, err := l.Acquire(ctx, "openai", 900); err != nil {
		t.Fatal(err)
	}
	waited, err := l.Acquire(ctx, "openai", 500)
	if err != nil {
		t.Fatal(err)
	}
	if waited < time.Minute {
		t.Errorf("waited %v, want >= window for token drain", waited)
	}
}

func TestSafetyMarginShrinksCeiling(t *testing.T) {
	cfg := strictConfig(10, 0)
	cfg.SafetyMargin = 0.5
	l, _, _ := testLimiter(cfg)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		waited, err := l.Acquire(ctx, "openai", 0)
		if err != nil {
			t.Fatal(err)
		}
		if waited != 0 && i < 4 {
			t.Fatalf("request %d blocked below margin ceiling", i)
		}
	}
}

func TestUnknownProviderUnlimited(t *testing.T) {
	l, _, _ := testLimiter(strictConfig(1, 1))
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		waited, err := l.Acquire(ctx, "test", 10_000)
		if err != nil {
			t.Fatal(err)
		}
		if waited != 0 {
			t.Fatalf("local provider throttled on request %d", i)
		}
	}
}

func TestRateLimitedBackoffDoublesAndResets(t *testing.T) {
	l, _, _ := testLimiter(strictConfig(100, 0))

	d1 := l.ReportRateLimited("openai")
	d2 := l.ReportRateLimited("openai")
	d3 := l.ReportRateLimited("openai")
	if d1 != time.Second || d2 != 2*time.Second || d3 != 4*time.Second {
		t.Errorf("backoff sequence = %v, %v, %v; want 1s, 2s, 4s", d1, d2, d3)
	}

	l.ReportSuccess("openai")
	if d := l.ReportRateLimited("openai"); d != time.Second {
		t.Errorf("backoff after success = %v, want reset to 1s", d)
	}
}

func TestBackoffDelaysAcquire(t *testing.T) {
	l, _, _ := testLimiter(strictConfig(100, 0))

	l.ReportRateLimited("openai") // 1s backoff

	waited, err := l.Acquire(context.Background(), "openai", 0)
	if err != nil {
		t.Fatal(err)
	}
	if waited < time.Second {
		t.Errorf("waited %v, want >= 1s backoff", waited)
	}
}

func TestEstimateTokens(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{4, 2},    // ceil(1 * 1.1) = 2
		{400, 110},
		{1000, 275},
	}
	for _, tt := range tests {
		if got := l.EstimateTokens(tt.chars); got != tt.want {
			t.Errorf("EstimateTokens(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	l := NewLimiter(strictConfig(1, 0))
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := l.Acquire(ctx, "openai", 0); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := l.Acquire(ctx, "openai", 0); err == nil {
		t.Error("expected cancellation error while waiting")
	}
}
