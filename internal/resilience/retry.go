// Package resilience provides the retry/backoff primitive shared by the bus,
// the playbook runner, the index builder, and the remote-provider clients,
// plus a compact circuit breaker for out-of-process dependencies.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy parameterizes exponential backoff: delay n (1-based) is
// min(Base * Factor^(n-1), Cap).
type Policy struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Cap      time.Duration
}

// DefaultPolicy matches the bus redelivery defaults: 1s base, factor 2, 30s cap.
func DefaultPolicy() Policy {
	return Policy{Attempts: 5, Base: time.Second, Factor: 2.0, Cap: 30 * time.Second}
}

// Delay returns the backoff before retry attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2.0
	}
	d := time.Duration(float64(base) * math.Pow(factor, float64(n-1)))
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Permanent marks an error as non-retryable. Retry stops immediately and
// returns the wrapped error.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// NonRetryable wraps err so Retry gives up on it without further attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return Permanent{Err: err}
}

// Retry runs op up to p.Attempts times, sleeping p.Delay(n) between failures.
// It returns nil on the first success, the context error if cancelled while
// waiting, and the last op error once attempts are exhausted.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		var perm Permanent
		if errors.As(last, &perm) {
			return perm.Err
		}
		if n == attempts {
			break
		}
		select {
		case <-time.After(p.Delay(n)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, last)
}
