package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	client  anthropic.Client
	timeout time.Duration
}

var _ Provider = (*Anthropic)(nil)

// NewAnthropic creates the Anthropic adapter. The API key comes from opts or
// ANTHROPIC_API_KEY.
func NewAnthropic(opts Options) (*Anthropic, error) {
	key := opts.APIKey
	if key == "" {
		key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is not set")
	}
	ropts := []option.RequestOption{option.WithAPIKey(key)}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Anthropic{
		client:  anthropic.NewClient(ropts...),
		timeout: timeout,
	}, nil
}

func (p *Anthropic) Name() string            { return NameAnthropic }
func (p *Anthropic) SupportsStreaming() bool { return true }
func (p *Anthropic) SupportsThinking() bool  { return true }

func (p *Anthropic) TokenLimits() Limits {
	return Limits{Context: 200000, MaxOutput: 8192}
}

// Generate streams a completion from the Messages API.
func (p *Anthropic) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(req.History),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		t, _ := ClampTemperature(NameAnthropic, *req.Temperature)
		params.Temperature = anthropic.Float(t)
	}
	if req.ThinkingBudget > 0 {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 1024 // API minimum
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()
		p.pump(ctx, stream, req.Model, out)
	}()
	return out, nil
}

// pump translates SSE events into chunks. Usage arrives split across
// message_start (input) and message_delta (output).
func (p *Anthropic) pump(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, model string, out chan<- Chunk) {
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				select {
				case out <- Chunk{Text: delta.Text}:
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				}
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- Chunk{Err: wrapAnthropicErr(model, err)}
		return
	}
	// Stream ended without message_stop; treat what we have as complete.
	out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func buildAnthropicMessages(history []Message) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return msgs
}

func wrapAnthropicErr(model string, err error) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewError(NameAnthropic, model, apiErr.StatusCode, err)
	}
	return NewError(NameAnthropic, model, 0, err)
}
