package providers

import (
	"context"
	"fmt"
	"os"
	"time"

	"google.golang.org/genai"
)

// Google streams completions from the Gemini API.
type Google struct {
	client  *genai.Client
	timeout time.Duration
}

var _ Provider = (*Google)(nil)

// NewGoogle creates the Google adapter. The API key comes from opts or
// GEMINI_API_KEY / GOOGLE_API_KEY.
func NewGoogle(opts Options) (*Google, error) {
	key := opts.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("google: GEMINI_API_KEY is not set")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Google{client: client, timeout: timeout}, nil
}

func (p *Google) Name() string            { return NameGoogle }
func (p *Google) SupportsStreaming() bool { return true }
func (p *Google) SupportsThinking() bool  { return true }

func (p *Google) TokenLimits() Limits {
	return Limits{Context: 1048576, MaxOutput: 8192}
}

// Generate streams a completion from the Gemini API.
func (p *Google) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	contents := make([]*genai.Content, 0, len(req.History))
	for _, m := range req.History {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature != nil {
		t, _ := ClampTemperature(NameGoogle, *req.Temperature)
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(req.ThinkingBudget)),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()

		var inputTokens, outputTokens int
		for resp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() != nil {
					out <- Chunk{Err: ctx.Err()}
					return
				}
				out <- Chunk{Err: NewError(NameGoogle, req.Model, 0, err)}
				return
			}
			if resp.UsageMetadata != nil {
				if resp.UsageMetadata.PromptTokenCount > 0 {
					inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				}
				if resp.UsageMetadata.CandidatesTokenCount > 0 {
					outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
				}
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.Text == "" || part.Thought {
						continue
					}
					select {
					case out <- Chunk{Text: part.Text}:
					case <-ctx.Done():
						out <- Chunk{Err: ctx.Err()}
						return
					}
				}
			}
		}
		out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return out, nil
}
