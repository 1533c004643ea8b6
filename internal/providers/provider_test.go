package providers

import (
	"context"
	"strings"
	"testing"
)

func TestForModel(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{"claude-sonnet-4-20250514", NameAnthropic},
		{"gpt-4o", NameOpenAI},
		{"o3-mini", NameOpenAI},
		{"gemini-2.0-flash", NameGoogle},
		{"grok-3", NameXAI},
		{"local:llama3", NameOllama},
		{"ollama:qwen2.5", NameOllama},
		{"silent", NameSilent},
		{"test", NameTest},
	}
	for _, tt := range tests {
		got, err := ForModel(tt.model)
		if err != nil {
			t.Errorf("ForModel(%q) error: %v", tt.model, err)
			continue
		}
		if got != tt.provider {
			t.Errorf("ForModel(%q) = %s, want %s", tt.model, got, tt.provider)
		}
	}

	if _, err := ForModel("mystery-9000"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestClampTemperature(t *testing.T) {
	tests := []struct {
		provider string
		in       float64
		out      float64
		clamped  bool
	}{
		{NameAnthropic, 0.7, 0.7, false},
		{NameAnthropic, 1.5, 1.0, true},
		{NameAnthropic, -0.2, 0.0, true},
		{NameOpenAI, 1.5, 1.5, false},
		{NameOpenAI, 2.5, 2.0, true},
		{NameGoogle, -1, 0.0, true},
		{NameXAI, 2.0, 2.0, false},
	}
	for _, tt := range tests {
		got, clamped := ClampTemperature(tt.provider, tt.in)
		if got != tt.out || clamped != tt.clamped {
			t.Errorf("ClampTemperature(%s, %v) = (%v, %v), want (%v, %v)",
				tt.provider, tt.in, got, clamped, tt.out, tt.clamped)
		}
	}
}

func drain(t *testing.T, ch <-chan Chunk) (string, Chunk) {
	t.Helper()
	var text strings.Builder
	var last Chunk
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("stream error: %v", c.Err)
		}
		text.WriteString(c.Text)
		last = c
	}
	if !last.Done {
		t.Fatal("stream did not finish with a Done chunk")
	}
	return text.String(), last
}

func TestTestProviderEchoesLastUserMessage(t *testing.T) {
	p := NewTest("test")
	ch, err := p.Generate(context.Background(), &Request{
		Model: "test",
		History: []Message{
			{Role: RoleUser, Content: "the rain in spain"},
			{Role: RoleAssistant, Content: "falls mainly on the plain"},
			{Role: RoleUser, Content: "echo chamber"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	text, last := drain(t, ch)
	if text != "echo chamber" {
		t.Errorf("response = %q, want echo of last user message", text)
	}
	if last.OutputTokens == 0 {
		t.Error("expected non-zero output tokens")
	}
}

func TestTestProviderOpensDeterministically(t *testing.T) {
	p := NewTest("test")
	first, _ := p.Generate(context.Background(), &Request{Model: "test"})
	second, _ := p.Generate(context.Background(), &Request{Model: "test"})

	textA, _ := drain(t, first)
	textB, _ := drain(t, second)
	if textA != textB {
		t.Errorf("openings differ: %q vs %q", textA, textB)
	}
}

func TestSilentProviderEmptyCompletion(t *testing.T) {
	p := NewSilent()
	ch, err := p.Generate(context.Background(), &Request{Model: "silent"})
	if err != nil {
		t.Fatal(err)
	}
	text, last := drain(t, ch)
	if text != "" {
		t.Errorf("silent provider produced text: %q", text)
	}
	if last.OutputTokens != 0 {
		t.Errorf("output tokens = %d, want 0", last.OutputTokens)
	}
}

func TestOllamaBaseURL(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	if p := NewOllama(Options{}); p.baseURL != "http://localhost:11434" {
		t.Errorf("default base URL = %q", p.baseURL)
	}

	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434/")
	if p := NewOllama(Options{}); p.baseURL != "http://gpu-box:11434" {
		t.Errorf("env base URL = %q, want OLLAMA_HOST honored", p.baseURL)
	}

	// An explicit option wins over the environment.
	if p := NewOllama(Options{BaseURL: "http://other:11434"}); p.baseURL != "http://other:11434" {
		t.Errorf("option base URL = %q", p.baseURL)
	}
}

func TestNewConstructsLocalProviders(t *testing.T) {
	for _, model := range []string{"test", "silent", "local:llama3"} {
		p, err := New(model, Options{})
		if err != nil {
			t.Errorf("New(%q) error: %v", model, err)
			continue
		}
		if p == nil {
			t.Errorf("New(%q) returned nil provider", model)
		}
	}
}
