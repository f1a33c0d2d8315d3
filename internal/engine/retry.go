package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultRetryDelay = 100 * time.Millisecond

// transientMarker lets collaborators classify their own errors.
type transientMarker interface {
	Transient() bool
}

// IsTransient classifies whether a node failure may succeed if retried.
// Precedence: caller-supplied marker, FlowError code, deadline, network
// errors, message heuristics. Anything unrecognised is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Cancelled means the engine is shutting down, never retry.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var marker transientMarker
	if errors.As(err, &marker) {
		return marker.Transient()
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"unavailable",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// MaxAttempts returns how many times a node may be invoked under policy.
func MaxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
// Exponential is the default; MaxDelay caps the result.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}

	base := defaultRetryDelay
	if policy.Delay != "" {
		d, err := time.ParseDuration(policy.Delay)
		if err != nil {
			return defaultRetryDelay
		}
		base = d
	}

	var delay time.Duration
	switch policy.Backoff {
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default:
		delay = base
		for i := 0; i < attempt && delay < time.Hour; i++ {
			delay *= 2
		}
	}

	if policy.MaxDelay != "" {
		maxDelay, err := time.ParseDuration(policy.MaxDelay)
		if err == nil && delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// validatePolicy rejects unparsable durations and unknown backoff names.
func validatePolicy(n *schema.Node) error {
	if n.Timeout != "" {
		if d, err := time.ParseDuration(n.Timeout); err != nil || d <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s has invalid timeout %q", n.ID, n.Timeout).WithNode(n.ID)
		}
	}
	p := n.Retry
	if p == nil {
		return nil
	}
	switch p.Backoff {
	case "", "exponential", "linear", "constant":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown backoff %q", n.ID, p.Backoff).WithNode(n.ID)
	}
	for _, d := range []string{p.Delay, p.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s has invalid retry duration %q", n.ID, d).WithNode(n.ID)
		}
	}
	return nil
}
