package router

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/fault"
	"github.com/nextlevelbuilder/swarmgate/internal/models"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// Classification is the router's verdict on one failed attempt.
type Classification struct {
	Code     fault.Code
	Reason   string        // cooldown reason (models.Reason*)
	RetryTTL time.Duration // 0 = caller applies the configured default
	Message  string
}

// Classify maps a provider error onto the router taxonomy.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Code: fault.CodeTransient, Reason: models.ReasonServerError}
	}

	msg := strings.ToLower(err.Error())

	var httpErr *providers.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			c := Classification{Code: fault.CodeRateLimit, Reason: models.ReasonRateLimited, Message: err.Error()}
			if strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "quota exceeded") {
				c.Code = fault.CodeQuotaExceeded
				c.Reason = models.ReasonQuotaExceeded
			}
			c.RetryTTL = retryTTLFromHeaders(httpErr.Header)
			if c.RetryTTL == 0 {
				c.RetryTTL = retryTTLFromMessage(msg)
			}
			return c
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return Classification{Code: fault.CodeAuth, Reason: models.ReasonAuthFailure, Message: err.Error()}
		case httpErr.Status == http.StatusRequestTimeout:
			return Classification{Code: fault.CodeTimeout, Reason: models.ReasonTimeout, Message: err.Error()}
		case httpErr.Status >= 500:
			return Classification{Code: fault.CodeTransient, Reason: models.ReasonServerError, Message: err.Error()}
		case httpErr.Status == http.StatusBadRequest && isContextOverflow(msg):
			return Classification{Code: fault.CodeContextOverflow, Reason: models.ReasonServerError, Message: err.Error()}
		}
	}

	switch {
	case isContextOverflow(msg):
		return Classification{Code: fault.CodeContextOverflow, Reason: models.ReasonServerError, Message: err.Error()}
	case strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "quota exceeded"):
		return Classification{Code: fault.CodeQuotaExceeded, Reason: models.ReasonQuotaExceeded, Message: err.Error(), RetryTTL: retryTTLFromMessage(msg)}
	case strings.Contains(msg, "rate limit"):
		return Classification{Code: fault.CodeRateLimit, Reason: models.ReasonRateLimited, Message: err.Error(), RetryTTL: retryTTLFromMessage(msg)}
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err) || strings.Contains(msg, "timeout"):
		return Classification{Code: fault.CodeTimeout, Reason: models.ReasonTimeout, Message: err.Error()}
	case isNetworkError(err):
		return Classification{Code: fault.CodeTransient, Reason: models.ReasonServerError, Message: err.Error()}
	}

	return Classification{Code: fault.CodeFatal, Reason: models.ReasonServerError, Message: err.Error()}
}

func isContextOverflow(msg string) bool {
	for _, marker := range []string{"context length", "token limit", "maximum context", "too long"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// retryTTLFromHeaders derives a cooldown TTL from rate-limit headers.
// Checked in order: Retry-After (seconds or HTTP date), retry-after-ms,
// then x-ratelimit-reset* variants.
func retryTTLFromHeaders(h http.Header) time.Duration {
	if h == nil {
		return 0
	}

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	for _, key := range []string{"x-ratelimit-reset", "x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if v := h.Get(key); v != "" {
			if d := parseResetValue(v); d > 0 {
				return d
			}
		}
	}
	return 0
}

// parseResetValue accepts either a duration string ("1s", "6m20s", "312ms")
// or a number of seconds.
func parseResetValue(v string) time.Duration {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

var durationInMessage = regexp.MustCompile(`(?:retry|try again)[^0-9]{0,20}(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|seconds?|m|minutes?)`)

// retryTTLFromMessage scans the error body for a parseable duration, e.g.
// "Please try again in 20s" or "retry after 1.5 seconds".
func retryTTLFromMessage(msg string) time.Duration {
	m := durationInMessage.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil || val <= 0 {
		return 0
	}
	switch {
	case strings.HasPrefix(m[2], "ms") || strings.HasPrefix(m[2], "mill"):
		return time.Duration(val * float64(time.Millisecond))
	case strings.HasPrefix(m[2], "s"):
		return time.Duration(val * float64(time.Second))
	default:
		return time.Duration(val * float64(time.Minute))
	}
}
