package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffCap     = 60 * time.Second
	DefaultBackoffRetries = 3
)

// ErrTransient marks an error as worth retrying.
var ErrTransient = errors.New("transient failure")

var transientHints = []string{
	"429",
	"too many requests",
	"rate limit",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"service unavailable",
	"connection reset",
	"network is unreachable",
	"http error 5",
}

// PermanentError is returned once retries are exhausted or the failure is
// not transient.
type PermanentError struct {
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:       DefaultBackoffBase,
		Cap:        DefaultBackoffCap,
		MaxRetries: DefaultBackoffRetries,
	}
}

// Delays is the wait schedule: Base, 2*Base, 4*Base ... capped at Cap.
func (b Backoff) Delays() []time.Duration {
	b = b.normalized()
	out := make([]time.Duration, 0, b.MaxRetries)
	d := b.Base
	for i := 0; i < b.MaxRetries; i++ {
		out = append(out, min(d, b.Cap))
		if d < b.Cap {
			d *= 2
		}
	}
	return out
}

// Do runs fn, retrying transient failures. Non-transient failures and
// exhausted retries come back as *PermanentError; cancellation returns the
// context error.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b = b.normalized()
	delays := b.Delays()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if !IsTransient(err) || attempt > len(delays) {
			var perm *PermanentError
			if errors.As(err, &perm) {
				return err
			}
			return &PermanentError{Attempts: attempt, Err: err}
		}
		delay := delays[attempt-1]
		if b.OnRetry != nil {
			b.OnRetry(attempt, delay, err)
		}
		if err := b.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap < b.Base {
		b.Cap = max(DefaultBackoffCap, b.Base)
	}
	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	}
	if b.Sleep == nil {
		b.Sleep = sleepContext
	}
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
