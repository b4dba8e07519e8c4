// Package classifier maps generation failures onto the retry taxonomy.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"reelforge/internal/domain"
)

const (
	maxSummaryRunes = 500
	noMessage       = "no error message"
)

var (
	policyKeywords = []string{
		"policy", "content", "inappropriate", "violation", "rule", "guideline",
		"safety", "prohibited", "restricted", "denied", "rejected", "banned",
		"nsfw", "explicit", "harmful", "offensive", "abuse", "illegal",
		"copyright", "trademark", "privacy", "terms of service", "tos",
	}
	billingKeywords = []string{
		"billing", "payment", "subscription", "credit", "balance", "quota exceeded",
		"account", "insufficient funds", "expired", "suspended", "disabled",
		"payment method", "plan limit", "upgrade", "purchase",
	}
	rateLimitKeywords = []string{
		"rate limit", "too many requests", "throttle", "slow down",
		"max requests", "requests per", "concurrent limit",
	}
	transientKeywords = []string{
		"timeout", "timed out", "deadline exceeded", "service unavailable",
		"temporary", "try again", "retry", "network", "connection", "server error",
		"maintenance", "overloaded", "busy", "internal error", "eof",
	}

	// Status codes only count when a status label precedes them, so task and
	// request ids that happen to contain the digits stay neutral.
	rateLimitStatus = regexp.MustCompile(`\b(?:status|http|code|error)[ :=]*429\b`)
	transientStatus = regexp.MustCompile(`\b(?:status|http|code|error)[ :=]*5\d\d\b`)
)

// errorFields are the provider payload keys that may carry a failure text.
var errorFields = []string{
	"error", "error_message", "errorMessage", "message", "msg",
	"failMsg", "fail_msg", "reason", "detail", "details",
}

// Classify assigns a kind to a raw failure text. Matching is case-insensitive
// and the first matching category wins, in order of severity.
func Classify(raw string) (domain.ErrorKind, string) {
	msg := strings.TrimSpace(raw)
	if msg == "" {
		return domain.ErrorKindUnknown, noMessage
	}
	return kindOf(strings.ToLower(msg)), truncate(msg)
}

func kindOf(lower string) domain.ErrorKind {
	switch {
	case containsAny(lower, policyKeywords):
		return domain.ErrorKindContentViolation
	case containsAny(lower, billingKeywords):
		return domain.ErrorKindAccountOrBilling
	case containsAny(lower, rateLimitKeywords), rateLimitStatus.MatchString(lower):
		return domain.ErrorKindRateLimited
	case containsAny(lower, transientKeywords), transientStatus.MatchString(lower):
		return domain.ErrorKindTransient
	}
	return domain.ErrorKindUnknown
}

type httpStatuser interface {
	HTTPStatus() int
}

type providerMessager interface {
	ProviderMessage() string
}

// ClassifyError classifies an error returned by a provider call. Transport
// failures are transient regardless of their text, which includes the request
// URL. Keywords are matched only against the message the provider sent; when
// that is inconclusive the HTTP status decides.
func ClassifyError(err error) (domain.ErrorKind, string) {
	if err == nil {
		return domain.ErrorKindUnknown, noMessage
	}
	summary := noMessage
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		summary = truncate(msg)
	}
	if isTransport(err) {
		return domain.ErrorKindTransient, summary
	}

	var pm providerMessager
	if errors.As(err, &pm) {
		if k := kindOf(strings.ToLower(pm.ProviderMessage())); k != domain.ErrorKindUnknown {
			return k, summary
		}
	}
	var se httpStatuser
	if errors.As(err, &se) {
		if k := kindForStatus(se.HTTPStatus()); k != domain.ErrorKindUnknown {
			return k, summary
		}
	}
	return domain.ErrorKindUnknown, summary
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func kindForStatus(status int) domain.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrorKindRateLimited
	case status == http.StatusUnauthorized, status == http.StatusPaymentRequired, status == http.StatusForbidden:
		return domain.ErrorKindAccountOrBilling
	case status == http.StatusRequestTimeout, status >= 500:
		return domain.ErrorKindTransient
	}
	return domain.ErrorKindUnknown
}

// ExtractMessage finds the failure text in a decoded provider payload,
// looking at the root object first and then under "data".
func ExtractMessage(info map[string]any) string {
	if msg := firstField(info); msg != "" {
		return msg
	}
	if data, ok := info["data"].(map[string]any); ok {
		return firstField(data)
	}
	return ""
}

func firstField(m map[string]any) string {
	for _, field := range errorFields {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case bool:
			if !t {
				continue
			}
			s = fmt.Sprint(t)
		case float64:
			if t == 0 {
				continue
			}
			s = fmt.Sprint(t)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// ShouldRetry reports whether another attempt is allowed. attempt counts the
// attempts already made, starting at 1.
func ShouldRetry(kind domain.ErrorKind, attempt, maxAttempts int) bool {
	if attempt >= maxAttempts {
		return false
	}
	return kind.Retryable()
}

// RetryDelay is the exponential backoff before the next attempt.
func RetryDelay(kind domain.ErrorKind, attempt int) time.Duration {
	switch kind {
	case domain.ErrorKindRateLimited:
		return backoff(60*time.Second, attempt, 10*time.Minute)
	case domain.ErrorKindTransient:
		return backoff(10*time.Second, attempt, 2*time.Minute)
	}
	return 0
}

// CredentialCooldown is how long the credential that produced kind should rest.
func CredentialCooldown(kind domain.ErrorKind) time.Duration {
	switch kind {
	case domain.ErrorKindAccountOrBilling:
		return 24 * time.Hour
	case domain.ErrorKindRateLimited:
		return 60 * time.Minute
	}
	return 0
}

func backoff(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxSummaryRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxSummaryRunes]) + "…"
}
