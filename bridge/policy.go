package bridge

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds how often a webmail call is attempted before its failure is
// reported.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Delay is the pause between tries.
	Delay time.Duration
}

// DefaultPolicy tries a call twice: the webmail service is known to drop
// the first request after its connection has been idle.
var DefaultPolicy = Policy{MaxAttempts: 2, Delay: 200 * time.Millisecond}

func (p Policy) backoff() retry.Backoff {
	var b retry.Backoff
	if p.Delay > 0 {
		b = retry.NewConstant(p.Delay)
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// do runs fn until it succeeds or the policy is exhausted and returns the
// last error. attempt starts at 1.
func (p Policy) do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if err := fn(ctx, attempt); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
