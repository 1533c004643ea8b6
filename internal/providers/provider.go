// Package providers implements the uniform adapter contract over
// heterogeneous LLM back-ends.
//
// Each adapter accepts a normalized request (system prompt, ordered prior
// messages, temperature, output budget, optional thinking budget) and yields a
// finite stream of text deltas followed by a completion chunk carrying token
// usage. The conversation engine is a client only; it never sees transports.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message roles in the normalized history. The system slot is carried
// separately on the request.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior message in a request history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized completion request all adapters accept.
type Request struct {
	// Model is the provider-specific model identifier.
	Model string

	// SystemPrompt sets the agent's behavior; sent once at position 0.
	SystemPrompt string

	// History is the ordered prior conversation, roles restricted to
	// user/assistant.
	History []Message

	// Temperature, when non-nil, overrides the provider default. It is
	// clamped to the provider's allowed range at request build time.
	Temperature *float64

	// MaxOutputTokens bounds the response length. Zero means provider default.
	MaxOutputTokens int

	// ThinkingBudget enables extended thinking where supported (tokens).
	ThinkingBudget int
}

// Chunk is one item of a streaming response. Text deltas arrive first; the
// final chunk has Done set with token usage, or Err set on failure.
type Chunk struct {
	Text         string
	Done         bool
	InputTokens  int
	OutputTokens int
	Err          error
}

// Limits describes a provider's token ceilings.
type Limits struct {
	Context   int
	MaxOutput int
}

// Provider is the uniform capability set over LLM back-ends.
//
// Implementations must be safe for concurrent use and must drop their
// HTTP/socket resources when the context is cancelled mid-stream.
type Provider interface {
	// Generate streams a completion. The returned channel is closed after the
	// final chunk (Done or Err).
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Name returns the provider name (anthropic, openai, ...).
	Name() string

	// SupportsStreaming reports whether deltas arrive incrementally.
	SupportsStreaming() bool

	// SupportsThinking reports whether ThinkingBudget is honored.
	SupportsThinking() bool

	// TokenLimits returns the provider's token ceilings.
	TokenLimits() Limits
}

// DefaultRequestTimeout is the per-request wall clock enforced by adapters.
const DefaultRequestTimeout = 120 * time.Second

// Provider names.
const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
	NameGoogle    = "google"
	NameXAI       = "xai"
	NameOllama    = "ollama"
	NameSilent    = "silent"
	NameTest      = "test"
)

// ForModel infers the provider from a model identifier.
func ForModel(model string) (string, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "silent":
		return NameSilent, nil
	case m == "test" || strings.HasPrefix(m, "test:"):
		return NameTest, nil
	case strings.HasPrefix(m, "claude"):
		return NameAnthropic, nil
	case strings.HasPrefix(m, "gpt") || strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4"):
		return NameOpenAI, nil
	case strings.HasPrefix(m, "gemini"):
		return NameGoogle, nil
	case strings.HasPrefix(m, "grok"):
		return NameXAI, nil
	case strings.HasPrefix(m, "local:") || strings.HasPrefix(m, "ollama:"):
		return NameOllama, nil
	default:
		return "", fmt.Errorf("unknown model %q: no provider in the catalog matches", model)
	}
}

// Options configures adapter construction.
type Options struct {
	// APIKey overrides the provider's environment variable.
	APIKey string
	// BaseURL overrides the provider endpoint (ollama, xai).
	BaseURL string
	// Timeout overrides DefaultRequestTimeout.
	Timeout time.Duration
}

// New constructs the adapter for a model identifier.
func New(model string, opts Options) (Provider, error) {
	name, err := ForModel(model)
	if err != nil {
		return nil, err
	}
	switch name {
	case NameAnthropic:
		return NewAnthropic(opts)
	case NameOpenAI:
		return NewOpenAI(opts)
	case NameGoogle:
		return NewGoogle(opts)
	case NameXAI:
		return NewXAI(opts)
	case NameOllama:
		return NewOllama(opts), nil
	case NameSilent:
		return NewSilent(), nil
	case NameTest:
		return NewTest(model), nil
	default:
		return nil, fmt.Errorf("no adapter for provider %q", name)
	}
}

// ClampTemperature clamps t to the provider's allowed range. The second return
// reports whether clamping occurred; callers surface that as a warning.
// Anthropic accepts 0.0-1.0; OpenAI, Google, and xAI accept 0.0-2.0.
func ClampTemperature(provider string, t float64) (float64, bool) {
	lo, hi := 0.0, 2.0
	if provider == NameAnthropic {
		hi = 1.0
	}
	switch {
	case t < lo:
		return lo, true
	case t > hi:
		return hi, true
	default:
		return t, false
	}
}

// StripModelPrefix removes routing prefixes (local:, ollama:, test:) that the
// upstream API does not understand.
func StripModelPrefix(model string) string {
	for _, prefix := range []string{"local:", "ollama:", "test:"} {
		if strings.HasPrefix(model, prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	return model
}
