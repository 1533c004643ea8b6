package providers

import (
	"context"
)

// Silent is the null responder used for meditation experiments: every request
// completes immediately with an empty assistant message and zero output
// tokens. The metrics calculator treats the empty turns as vocabulary-0.
type Silent struct{}

var _ Provider = (*Silent)(nil)

// NewSilent creates the silent provider.
func NewSilent() *Silent { return &Silent{} }

func (p *Silent) Name() string            { return NameSilent }
func (p *Silent) SupportsStreaming() bool { return false }
func (p *Silent) SupportsThinking() bool  { return false }

func (p *Silent) TokenLimits() Limits {
	return Limits{Context: 1 << 20, MaxOutput: 0}
}

// Generate completes immediately with an empty message.
func (p *Silent) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 1)
	if err := ctx.Err(); err != nil {
		out <- Chunk{Err: err}
	} else {
		out <- Chunk{Done: true}
	}
	close(out)
	return out, nil
}
