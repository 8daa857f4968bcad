package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies an error for retry decisions.
type ErrorKind int

const (
	Retriable    ErrorKind = iota // transient, worth retrying
	NonRetriable                  // permanent, fail immediately
	Unknown                       // unclassified, treated as retriable
)

func (k ErrorKind) String() string {
	switch k {
	case Retriable:
		return "RETRIABLE"
	case NonRetriable:
		return "NON_RETRIABLE"
	default:
		return "UNKNOWN"
	}
}

// nonRetriableKeywords in stderr indicate failures another attempt will not
// fix. Missing files and permission errors are not listed: a repository on a
// network mount that is not up yet reports both.
var nonRetriableKeywords = []string{
	"wrong password",
}

// retriableKeywords in stderr indicate transient network or backend failures.
var retriableKeywords = []string{
	"timeout",
	"timed out",
	"rate limit",
	"connection",
	"temporary",
	"unavailable",
	"no route to host",
	"tls handshake",
	"503",
}

// Classify determines if an error is worth retrying based on the error,
// the process exit code and its stderr.
func Classify(err error, exitCode int, stderr string) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return NonRetriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retriable
	}

	lower := strings.ToLower(stderr)

	// Check stderr for non-retriable keywords first (higher priority).
	for _, kw := range nonRetriableKeywords {
		if strings.Contains(lower, kw) {
			return NonRetriable
		}
	}

	for _, kw := range retriableKeywords {
		if strings.Contains(lower, kw) {
			return Retriable
		}
	}

	// restic exits 1 on fatal errors, 3 on partial restores
	if exitCode == 3 {
		return Retriable
	}

	return Unknown
}

// Policy is an exponential backoff retry policy.
type Policy struct {
	MaxAttempts int
	InitDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Once retries a single time after a fixed delay.
func Once(delay time.Duration) Policy {
	return Policy{MaxAttempts: 2, InitDelay: delay, Multiplier: 1.0, MaxDelay: delay}
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Execute runs fn until it succeeds, returns a NonRetriable error, the
// attempts are exhausted or ctx is done.
func (p Policy) Execute(ctx context.Context, fn func() (string, error, ErrorKind)) (string, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		out, err, kind := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if kind == NonRetriable {
			return out, err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("retry: %w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
