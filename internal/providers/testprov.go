package providers

import (
	"context"
	"fmt"
	"strings"
)

// Test is the deterministic local provider. Its default behavior is to echo
// the last user message, which drives vocabulary overlap toward 1.0 and makes
// convergence stopping reproducible. With no history it opens with a fixed
// greeting.
type Test struct {
	model string
}

var _ Provider = (*Test)(nil)

// NewTest creates the deterministic test provider.
func NewTest(model string) *Test {
	return &Test{model: model}
}

func (p *Test) Name() string            { return NameTest }
func (p *Test) SupportsStreaming() bool { return true }
func (p *Test) SupportsThinking() bool  { return false }

func (p *Test) TokenLimits() Limits {
	return Limits{Context: 1 << 20, MaxOutput: 4096}
}

// Generate echoes the last user message in three deltas.
func (p *Test) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	text := p.respond(req)
	inputTokens := estimateHistoryTokens(req)
	outputTokens := (len(text) + 3) / 4

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, delta := range splitDeltas(text, 3) {
			select {
			case out <- Chunk{Text: delta}:
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
		out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return out, nil
}

func (p *Test) respond(req *Request) string {
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == RoleUser && strings.TrimSpace(req.History[i].Content) != "" {
			return req.History[i].Content
		}
	}
	return fmt.Sprintf("Hello! I am %s. Shall we begin?", p.model)
}

func estimateHistoryTokens(req *Request) int {
	chars := len(req.SystemPrompt)
	for _, m := range req.History {
		chars += len(m.Content)
	}
	return (chars + 3) / 4
}

func splitDeltas(text string, n int) []string {
	if text == "" || n <= 1 {
		return []string{text}
	}
	runes := []rune(text)
	size := (len(runes) + n - 1) / n
	if size == 0 {
		return []string{text}
	}
	var parts []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
