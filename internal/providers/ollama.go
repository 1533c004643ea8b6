package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Ollama streams completions from a local Ollama server over its NDJSON chat
// API. There is no official Go SDK; the raw HTTP surface is small.
type Ollama struct {
	client  *http.Client
	baseURL string
}

var _ Provider = (*Ollama)(nil)

// NewOllama creates the Ollama adapter. The endpoint comes from opts.BaseURL,
// then OLLAMA_HOST, then the local daemon default.
func NewOllama(opts Options) *Ollama {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("OLLAMA_HOST")), "/")
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Ollama{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (p *Ollama) Name() string            { return NameOllama }
func (p *Ollama) SupportsStreaming() bool { return true }
func (p *Ollama) SupportsThinking() bool  { return false }

func (p *Ollama) TokenLimits() Limits {
	return Limits{Context: 32768, MaxOutput: 8192}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

// Generate sends a streaming chat request to Ollama.
func (p *Ollama) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := StripModelPrefix(req.Model)

	messages := make([]ollamaMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	payload := ollamaChatRequest{Model: model, Stream: true, Messages: messages}
	opts := map[string]any{}
	if req.MaxOutputTokens > 0 {
		opts["num_predict"] = req.MaxOutputTokens
	}
	if req.Temperature != nil {
		t, _ := ClampTemperature(NameOllama, *req.Temperature)
		opts["temperature"] = t
	}
	if len(opts) > 0 {
		payload.Options = opts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(NameOllama, model, 0, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(NameOllama, model, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError(NameOllama, model, 0, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError(NameOllama, model, resp.StatusCode,
			fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))))
	}

	out := make(chan Chunk)
	go p.pump(ctx, resp.Body, model, out)
	return out, nil
}

func (p *Ollama) pump(ctx context.Context, body io.ReadCloser, model string, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var inputTokens, outputTokens int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			out <- Chunk{Err: NewError(NameOllama, model, 0, fmt.Errorf("parse stream line: %w", err))}
			return
		}
		if chunk.Error != "" {
			out <- Chunk{Err: NewError(NameOllama, model, 0, fmt.Errorf("%s", chunk.Error))}
			return
		}
		if chunk.Message.Content != "" {
			out <- Chunk{Text: chunk.Message.Content}
		}
		if chunk.Done {
			if chunk.PromptEvalCount > 0 {
				inputTokens = chunk.PromptEvalCount
			}
			if chunk.EvalCount > 0 {
				outputTokens = chunk.EvalCount
			}
			out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: NewError(NameOllama, model, 0, err)}
		return
	}
	out <- Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}
