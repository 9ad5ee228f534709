// Package backoff classifies transport errors and computes retry delays for
// the fallback streaming path. It is purely computational: callers decide
// retry policy, this package only says whether an error is worth retrying
// and how long to wait.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Defaults used when the caller does not supply a policy.
const (
	DefaultInitialDelay = 1 * time.Second
	DefaultFactor       = 2.0
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 3
)

// HTTPError is a transport error carrying an HTTP status and response
// headers, as surfaced by backend SDK clients.
type HTTPError struct {
	Headers    http.Header
	Message    string
	StatusCode int
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Classified is the one-shot classification of a raw transport error.
type Classified struct {
	Headers    http.Header
	Message    string
	StatusCode int
	Retryable  bool
}

// RetryState describes one scheduled retry, broadcast so observers can show
// "retrying in Ns" feedback.
type RetryState struct {
	Message     string
	Delay       time.Duration
	NextRetryAt time.Time
	Attempt     int
}

// Policy controls delay computation.
type Policy struct {
	// InitialDelay is the first-attempt backoff delay.
	InitialDelay time.Duration
	// MaxDelay caps exponential backoff when the error carried no headers.
	MaxDelay time.Duration
	// Factor is the exponential growth factor.
	Factor float64
	// MaxAttempts bounds the retry budget; callers enforce it.
	MaxAttempts int
}

// DefaultPolicy returns the package defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		Factor:       DefaultFactor,
		MaxDelay:     DefaultMaxDelay,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// retryableStatus maps HTTP status codes to their human-readable reasons.
var retryableStatus = map[int]string{
	http.StatusTooManyRequests:     "Rate limited",
	http.StatusInternalServerError: "Server error",
	http.StatusBadGateway:          "Bad gateway",
	http.StatusServiceUnavailable:  "Service unavailable",
	http.StatusGatewayTimeout:      "Gateway timeout",
}

// retryablePatterns is the secondary message-based classifier, checked only
// when neither abort, status, nor syscall classification applied.
var retryablePatterns = []struct {
	substr string
	reason string
}{
	{"rate limit", "Rate limited"},
	{"overloaded", "Service overloaded"},
	{"too many requests", "Rate limited"},
	{"gateway", "Gateway error"},
	{"connection reset", "Connection reset"},
	{"connection refused", "Connection refused"},
	{"broken pipe", "Connection lost"},
	{"network", "Network error"},
	{"timeout", "Timed out"},
	{"temporarily unavailable", "Service unavailable"},
}

// Classify derives a one-shot classification from a raw transport error.
// Abort signals are never retryable. Connection-reset-class system errors and
// HTTP 429/500/502/503/504 are retryable with a human-readable reason;
// otherwise the error message is pattern-matched as a secondary classifier.
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Classified{Retryable: false, Message: "Aborted"}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		c := Classified{
			StatusCode: httpErr.StatusCode,
			Headers:    httpErr.Headers,
			Message:    httpErr.Error(),
		}
		if reason, ok := retryableStatus[httpErr.StatusCode]; ok {
			c.Retryable = true
			c.Message = reason
		}
		return c
	}

	for _, target := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.ETIMEDOUT} {
		if errors.Is(err, target) {
			return Classified{Retryable: true, Message: "Connection error"}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p.substr) {
			return Classified{Retryable: true, Message: p.reason}
		}
	}

	return Classified{Retryable: false, Message: err.Error()}
}

// Delay computes the wait before the given 1-based attempt. A millisecond
// retry-after header wins outright; then a seconds or HTTP-date retry-after;
// then exponential backoff. The exponential fallback is capped only when the
// error carried no headers at all — usable-looking headers that failed to
// parse leave the backoff uncapped so a server-directed pace is never
// undercut.
func Delay(attempt int, c Classified, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if ms, ok := headerInt(c.Headers, "retry-after-ms"); ok {
		return time.Duration(ms) * time.Millisecond
	}
	if d, ok := headerRetryAfter(c.Headers); ok {
		return d
	}

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Factor)
	}
	if len(c.Headers) == 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Sleep waits for d unless the context is cancelled first, in which case it
// returns the context error.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRetry bundles a classified error and computed delay into a RetryState.
func NextRetry(attempt int, c Classified, p Policy) RetryState {
	d := Delay(attempt, c, p)
	return RetryState{
		Attempt:     attempt,
		Delay:       d,
		Message:     c.Message,
		NextRetryAt: time.Now().Add(d),
	}
}

func headerInt(h http.Header, name string) (int64, bool) {
	if h == nil {
		return 0, false
	}
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// headerRetryAfter parses the standard Retry-After header: either a number
// of seconds or an HTTP date.
func headerRetryAfter(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	v := strings.TrimSpace(h.Get("retry-after"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
