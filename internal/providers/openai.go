package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams chat completions from the OpenAI API. The same adapter backs
// xAI, whose API is OpenAI-compatible behind a different base URL.
type OpenAI struct {
	client  *openai.Client
	name    string
	timeout time.Duration
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI creates the OpenAI adapter. The API key comes from opts or
// OPENAI_API_KEY.
func NewOpenAI(opts Options) (*OpenAI, error) {
	return newOpenAICompat(NameOpenAI, "OPENAI_API_KEY", "", opts)
}

// NewXAI creates the xAI adapter on the OpenAI-compatible endpoint. The API
// key comes from opts or XAI_API_KEY.
func NewXAI(opts Options) (*OpenAI, error) {
	return newOpenAICompat(NameXAI, "XAI_API_KEY", "https://api.x.ai/v1", opts)
}

func newOpenAICompat(name, envKey, defaultBaseURL string, opts Options) (*OpenAI, error) {
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(envKey)
	}
	if key == "" {
		return nil, fmt.Errorf("%s: %s is not set", name, envKey)
	}
	cfg := openai.DefaultConfig(key)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	} else if defaultBaseURL != "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(cfg),
		name:    name,
		timeout: timeout,
	}, nil
}

func (p *OpenAI) Name() string            { return p.name }
func (p *OpenAI) SupportsStreaming() bool { return true }
func (p *OpenAI) SupportsThinking() bool  { return false }

func (p *OpenAI) TokenLimits() Limits {
	return Limits{Context: 128000, MaxOutput: 16384}
}

// Generate streams a chat completion.
func (p *OpenAI) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		t, _ := ClampTemperature(p.name, *req.Temperature)
		if t == 0 {
			// go-openai treats 0 as unset; the documented workaround.
			t = math.SmallestNonzeroFloat64
		}
		chatReq.Temperature = float32(t)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		cancel()
		return nil, wrapOpenAIErr(p.name, req.Model, err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()
		defer stream.Close()
		p.pump(ctx, stream, req.Model, out)
	}()
	return out, nil
}

func (p *OpenAI) pump(ctx context.Context, stream *openai.ChatCompletionStream, model string, out chan<- Chunk) {
	var inputTokens, outputTokens int
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				out <- Chunk{Err: ctx.Err()}
				return
			}
			out <- Chunk{Err: wrapOpenAIErr(p.name, model, err)}
			return
		}

		// The usage-bearing frame has no choices; it arrives just before EOF.
		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) > 0 {
			if text := resp.Choices[0].Delta.Content; text != "" {
				select {
				case out <- Chunk{Text: text}:
				case <-ctx.Done():
					out <- Chunk{Err: ctx.Err()}
					return
				}
			}
		}
	}
}

func wrapOpenAIErr(provider, model string, err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(provider, model, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(provider, model, reqErr.HTTPStatusCode, err)
	}
	return NewError(provider, model, 0, err)
}
