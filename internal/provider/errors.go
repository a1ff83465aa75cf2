package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider failure. The router decides cooldowns,
// exclusions and deactivation from the Kind alone.
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindUnauthorized  Kind = "unauthorized"
	KindBadRequest    Kind = "bad_request"
	KindServerError   Kind = "server_error"
	KindTimeout       Kind = "timeout"
)

// Retryable reports whether another credential might succeed where this
// one failed. Authorization and malformed-request failures never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindQuotaExceeded, KindServerError, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the single error type adapters return for upstream failures.
type Error struct {
	Kind         Kind
	Provider     string
	Model        string
	HTTPStatus   int    // 0 for transport failures
	ProviderCode string // backend's own code, e.g. "insufficient_quota"
	Message      string // backend message with the credential redacted
	Retryable    bool
	RetryAfter   time.Duration // server hint, 0 when absent
	Err          error         // underlying transport error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s (provider=%s, model=%s, status=%d", e.Kind, e.Message, e.Provider, e.Model, e.HTTPStatus)
	if e.ProviderCode != "" {
		msg += ", code=" + e.ProviderCode
	}
	return msg + ")"
}

// Unwrap exposes the transport error to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" when err is not a provider error.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return ""
}

func newError(kind Kind, provider, model string, status int, code, message string) *Error {
	return &Error{
		Kind:         kind,
		Provider:     provider,
		Model:        model,
		HTTPStatus:   status,
		ProviderCode: code,
		Message:      message,
		Retryable:    kind.Retryable(),
	}
}

// upstreamError is what an adapter's error-body parser extracts.
type upstreamError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

// classify maps an HTTP failure to a Kind. Status codes decide first; the
// backend's code and message refine the cases where providers overload a
// status (Gemini answers 400 for a bad key, Anthropic 400 for an empty
// balance, everyone answers 429 for both rate limits and spent quota).
func classify(provider, model string, status int, header http.Header, ue upstreamError) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusPaymentRequired:
		kind = KindQuotaExceeded
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
		if quotaHint(ue.Code, ue.Message) {
			kind = KindQuotaExceeded
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServerError
	case authHint(ue.Code, ue.Message):
		kind = KindUnauthorized
	case quotaHint(ue.Code, ue.Message):
		kind = KindQuotaExceeded
	default:
		kind = KindBadRequest
	}

	msg := ue.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := newError(kind, provider, model, status, ue.Code, msg)
	e.RetryAfter = ue.RetryAfter
	if e.RetryAfter == 0 {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

var authCodes = map[string]bool{
	"api_key_invalid":      true,
	"invalid_api_key":      true,
	"authentication_error": true,
	"permission_error":     true,
	"permission_denied":    true,
	"unauthenticated":      true,
}

func authHint(code, msg string) bool {
	if authCodes[strings.ToLower(code)] {
		return true
	}
	m := strings.ToLower(msg)
	return strings.Contains(m, "api key not valid") ||
		strings.Contains(m, "invalid api key") ||
		strings.Contains(m, "incorrect api key") ||
		strings.Contains(m, "reported as leaked")
}

func quotaHint(code, msg string) bool {
	c := strings.ToLower(code)
	if c == "insufficient_quota" || c == "billing_hard_limit_reached" {
		return true
	}
	m := strings.ToLower(msg)
	return strings.Contains(m, "quota") ||
		strings.Contains(m, "credit balance") ||
		strings.Contains(m, "billing")
}

// parseRetryAfter understands both forms of the header: delta-seconds and
// an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// redact strips the credential from text that is about to leave the
// adapter. Some backends echo the key back in error messages.
func redact(text, secret string) string {
	if secret == "" || len(secret) < 6 {
		return text
	}
	return strings.ReplaceAll(text, secret, "[redacted]")
}
