package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Category classifies a provider error for retry and termination decisions.
type Category string

const (
	// CategoryTransient retries with backoff.
	CategoryTransient Category = "transient"

	// CategoryRateLimited retries after the provider-indicated or
	// limiter-derived delay.
	CategoryRateLimited Category = "rate_limited"

	// CategoryBilling is fatal; a remediation URL is surfaced when known.
	CategoryBilling Category = "billing"

	// CategoryAuth is fatal.
	CategoryAuth Category = "authentication"

	// CategoryInvalidRequest is fatal and must not be retried.
	CategoryInvalidRequest Category = "invalid_request"

	// CategoryContextLength is fatal unless the caller may truncate and retry
	// once.
	CategoryContextLength Category = "context_length"

	// CategoryUnknown is treated as transient up to a small retry cap.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether the category permits another attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryRateLimited, CategoryUnknown:
		return true
	default:
		return false
	}
}

// billingURLs maps providers to their billing consoles.
var billingURLs = map[string]string{
	NameAnthropic: "https://console.anthropic.com/settings/billing",
	NameOpenAI:    "https://platform.openai.com/account/billing/overview",
	NameGoogle:    "https://aistudio.google.com/app/plan_information",
	NameXAI:       "https://console.x.ai/billing",
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Model      string
	Status     int
	Category   Category
	Message    string
	BillingURL string
	Cause      error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Category)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the error's category permits retrying.
func (e *Error) Retryable() bool { return e.Category.Retryable() }

// NewError wraps err with a classification derived from the HTTP status and
// message text. status may be 0 for transport-level failures.
func NewError(provider, model string, status int, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	cat := classify(status, msg, err)
	pe := &Error{
		Provider: provider,
		Model:    model,
		Status:   status,
		Category: cat,
		Message:  msg,
		Cause:    err,
	}
	if cat == CategoryBilling {
		pe.BillingURL = billingURLs[provider]
	}
	return pe
}

// AsError extracts an *Error from err, classifying raw errors on the fly.
func AsError(provider, model string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(provider, model, 0, err)
}

func classify(status int, msg string, err error) Category {
	lower := strings.ToLower(msg)

	// Context-length complaints come back as 400s with telltale text; check
	// before the generic invalid_request mapping.
	if isContextLength(lower) {
		return CategoryContextLength
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CategoryAuth
	case http.StatusPaymentRequired:
		return CategoryBilling
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		if isBilling(lower) {
			return CategoryBilling
		}
		return CategoryInvalidRequest
	case http.StatusRequestTimeout:
		return CategoryTransient
	}
	if status >= 500 {
		return CategoryTransient
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CategoryTransient
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return CategoryTransient
		}
	}

	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota exceeded"):
		return CategoryRateLimited
	case isBilling(lower):
		return CategoryBilling
	case strings.Contains(lower, "api key"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return CategoryAuth
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "timeout"), strings.Contains(lower, "temporarily unavailable"),
		strings.Contains(lower, "overloaded"):
		return CategoryTransient
	}
	return CategoryUnknown
}

func isContextLength(lower string) bool {
	if strings.Contains(lower, "context_length_exceeded") {
		return true
	}
	if strings.Contains(lower, "context") &&
		(strings.Contains(lower, "too long") || strings.Contains(lower, "length") ||
			strings.Contains(lower, "maximum")) {
		return true
	}
	return strings.Contains(lower, "prompt is too long")
}

func isBilling(lower string) bool {
	return strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient credit") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "payment")
}
