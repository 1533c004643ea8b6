package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyByStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		msg      string
		category Category
	}{
		{"unauthorized", 401, "invalid api key", CategoryAuth},
		{"forbidden", 403, "forbidden", CategoryAuth},
		{"payment required", 402, "payment required", CategoryBilling},
		{"rate limited", 429, "rate limit exceeded", CategoryRateLimited},
		{"bad request", 400, "temperature must be a number", CategoryInvalidRequest},
		{"bad request billing", 400, "your credit balance is too low", CategoryBilling},
		{"context length 400", 400, "prompt is too long: 210000 tokens > 200000 maximum", CategoryContextLength},
		{"context length code", 400, "context_length_exceeded", CategoryContextLength},
		{"server error", 500, "internal server error", CategoryTransient},
		{"overloaded", 529, "overloaded_error", CategoryTransient},
		{"no status rate limit text", 0, "Rate limit reached for requests", CategoryRateLimited},
		{"no status auth text", 0, "authentication failed", CategoryAuth},
		{"connection refused", 0, "dial tcp: connection refused", CategoryTransient},
		{"mystery", 0, "something odd happened", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewError(NameOpenAI, "gpt-4o", tt.status, fmt.Errorf("%s", tt.msg))
			if err.Category != tt.category {
				t.Errorf("category = %s, want %s", err.Category, tt.category)
			}
		})
	}
}

func TestCategoryRetryable(t *testing.T) {
	retryable := []Category{CategoryTransient, CategoryRateLimited, CategoryUnknown}
	fatal := []Category{CategoryBilling, CategoryAuth, CategoryInvalidRequest, CategoryContextLength}

	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}
	for _, c := range fatal {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestBillingErrorCarriesURL(t *testing.T) {
	err := NewError(NameAnthropic, "claude-sonnet-4-20250514", 402, errors.New("payment required"))
	if err.BillingURL == "" {
		t.Error("billing error missing remediation URL")
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	err := NewError(NameGoogle, "gemini-2.0-flash", 0, context.DeadlineExceeded)
	if err.Category != CategoryTransient {
		t.Errorf("deadline exceeded classified %s, want transient", err.Category)
	}
}

func TestAsErrorPreservesClassification(t *testing.T) {
	inner := NewError(NameOpenAI, "gpt-4o", 401, errors.New("bad key"))
	wrapped := fmt.Errorf("request failed: %w", inner)

	got := AsError(NameOpenAI, "gpt-4o", wrapped)
	if got.Category != CategoryAuth {
		t.Errorf("category lost through wrapping: %s", got.Category)
	}
}
