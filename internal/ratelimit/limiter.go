// Package ratelimit provides per-provider sliding-window control over
// requests/minute and token commitments, with exponential backoff after
// provider-reported rate limits.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pidginlab/pidgin/internal/backoff"
)

// ProviderLimit is a provider's per-window ceiling. Zero values mean
// unlimited (local providers).
type ProviderLimit struct {
	RequestsPerWindow int
	TokensPerWindow   int
}

// Config configures the limiter.
type Config struct {
	// Window is the sliding window width.
	Window time.Duration
	// SafetyMargin scales the ceilings; admission happens below
	// ceiling*margin, leaving headroom for estimation error.
	SafetyMargin float64
	// TokenMultiplier pads char-count token estimates.
	TokenMultiplier float64
	// JitterMax is the upper bound of additive jitter on computed delays.
	JitterMax time.Duration
	// Limits maps provider names to ceilings. Unlisted providers are
	// unlimited.
	Limits map[string]ProviderLimit
	// Backoff drives the post-429 recovery schedule.
	Backoff backoff.Policy
}

// DefaultConfig returns the limiter defaults: 60s window, 0.9 margin, 1.1
// token multiplier, 50ms jitter, conservative per-provider ceilings.
func DefaultConfig() Config {
	return Config{
		Window:          60 * time.Second,
		SafetyMargin:    0.9,
		TokenMultiplier: 1.1,
		JitterMax:       50 * time.Millisecond,
		Limits: map[string]ProviderLimit{
			"anthropic": {RequestsPerWindow: 50, TokensPerWindow: 80000},
			"openai":    {RequestsPerWindow: 60, TokensPerWindow: 90000},
			"google":    {RequestsPerWindow: 60, TokensPerWindow: 100000},
			"xai":       {RequestsPerWindow: 60, TokensPerWindow: 90000},
		},
		Backoff: backoff.ProviderRetryPolicy(),
	}
}

type tokenEntry struct {
	at time.Time
	n  int
}

type providerState struct {
	requests     []time.Time
	tokens       []tokenEntry
	consecutive  int
	backoffUntil time.Time
}

// Limiter admits provider requests under the sliding windows. Safe for
// concurrent Acquire calls; bookkeeping is under one mutex, waiting is not.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*providerState

	// now and sleep are swappable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter with the given config.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = 0.9
	}
	if cfg.TokenMultiplier <= 0 {
		cfg.TokenMultiplier = 1.1
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.ProviderRetryPolicy()
	}
	return &Limiter{
		cfg:    cfg,
		states: make(map[string]*providerState),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EstimateTokens converts a character count to an estimated token commitment:
// ceil(chars/4) padded by the configured multiplier.
func (l *Limiter) EstimateTokens(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return int(math.Ceil(math.Ceil(float64(charCount)/4) * l.cfg.TokenMultiplier))
}

// Acquire blocks until the provider's windows admit a request committing
// estimatedTokens, then records it. Returns the total time waited.
func (l *Limiter) Acquire(ctx context.Context, provider string, estimatedTokens int) (time.Duration, error) {
	var waited time.Duration
	for {
		delay := l.admitOrDelay(provider, estimatedTokens)
		if delay == 0 {
			return waited, nil
		}
		if err := l.sleep(ctx, delay); err != nil {
			return waited, err
		}
		waited += delay
	}
}

// admitOrDelay either records the request (returning 0) or returns the delay
// after which admission should be retried.
func (l *Limiter) admitOrDelay(provider string, estimatedTokens int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.state(provider)
	l.prune(st, now)

	if until := st.backoffUntil; until.After(now) {
		return l.jitter(until.Sub(now))
	}

	limit, ok := l.cfg.Limits[provider]
	if !ok || (limit.RequestsPerWindow <= 0 && limit.TokensPerWindow <= 0) {
		st.requests = append(st.requests, now)
		return 0
	}

	reqCeiling := int(float64(limit.RequestsPerWindow) * l.cfg.SafetyMargin)
	tokCeiling := int(float64(limit.TokensPerWindow) * l.cfg.SafetyMargin)

	var wait time.Duration
	if limit.RequestsPerWindow > 0 && len(st.requests)+1 > reqCeiling {
		// Earliest moment the oldest request falls out of the window.
		wait = maxDuration(wait, st.requests[0].Add(l.cfg.Window).Sub(now))
	}
	if limit.TokensPerWindow > 0 {
		committed := 0
		for _, e := range st.tokens {
			committed += e.n
		}
		if committed+estimatedTokens > tokCeiling {
			wait = maxDuration(wait, l.tokenDrainDelay(st, now, committed+estimatedTokens-tokCeiling))
		}
	}

	if wait > 0 {
		return l.jitter(wait)
	}

	st.requests = append(st.requests, now)
	if estimatedTokens > 0 {
		st.tokens = append(st.tokens, tokenEntry{at: now, n: estimatedTokens})
	}
	return 0
}

// tokenDrainDelay finds the earliest future moment at which at least excess
// committed tokens have left the window.
func (l *Limiter) tokenDrainDelay(st *providerState, now time.Time, excess int) time.Duration {
	drained := 0
	for _, e := range st.tokens {
		drained += e.n
		if drained >= excess {
			return e.at.Add(l.cfg.Window).Sub(now)
		}
	}
	return l.cfg.Window
}

// ReportRateLimited records a provider-reported rate limit and extends the
// exponential backoff: min(max, base*2^k) for the k-th consecutive error.
func (l *Limiter) ReportRateLimited(provider string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(provider)
	delay := l.cfg.Backoff.Delay(st.consecutive)
	st.consecutive++
	st.backoffUntil = l.now().Add(delay)
	return delay
}

// ReportSuccess resets the provider's backoff streak.
func (l *Limiter) ReportSuccess(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(provider)
	st.consecutive = 0
	st.backoffUntil = time.Time{}
}

func (l *Limiter) state(provider string) *providerState {
	st, ok := l.states[provider]
	if !ok {
		st = &providerState{}
		l.states[provider] = st
	}
	return st
}

func (l *Limiter) prune(st *providerState, now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(st.requests) && !st.requests[i].After(cutoff) {
		i++
	}
	st.requests = st.requests[i:]

	j := 0
	for j < len(st.tokens) && !st.tokens[j].at.After(cutoff) {
		j++
	}
	st.tokens = st.tokens[j:]
}

func (l *Limiter) jitter(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if l.cfg.JitterMax <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(l.cfg.JitterMax))) // #nosec G404 -- scheduling jitter
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
