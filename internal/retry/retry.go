// Package retry provides backoff helpers: Do for short in-process retries with
// exponential backoff and jitter, and Schedule for fixed delay ladders used by
// queued work.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// When adapts fn so that errors retryable rejects are returned as permanent.
func When(retryable func(error) bool, fn func() error) func() error {
	return func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return Permanent(err)
		}
		return err
	}
}

// Do calls fn up to maxAttempts times. It stops early on success, on a
// *PermanentError (whose inner error is returned) and on ctx cancellation.
// baseDelay doubles after each failed attempt with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= maxAttempts {
			return err
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// Schedule is a ladder of delays between attempts. Once the ladder runs out
// its last delay repeats.
type Schedule []time.Duration

// Delay returns the wait after failed attempt n (1-based).
func (s Schedule) Delay(n int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if n > len(s) {
		return s[len(s)-1]
	}
	return s[n-1]
}

// String renders the schedule in the form ParseSchedule accepts.
func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

// ParseSchedule parses a comma separated list of durations, e.g. "30s,60s,120s".
func ParseSchedule(v string) (Schedule, error) {
	var s Schedule
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("retry schedule %q: %w", v, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("retry schedule %q: negative delay %s", v, d)
		}
		s = append(s, d)
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("retry schedule %q: no delays", v)
	}
	return s, nil
}
