package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// SkipError is returned by a handler that decides its step does not need to
// run. The step resolves as SKIPPED and is not retried.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "step skipped: " + e.Reason
}

// Skip builds the error a handler returns to skip its step.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

func skipReason(err error) (string, bool) {
	var skip *SkipError
	if errors.As(err, &skip) {
		return skip.Reason, true
	}
	return "", false
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// newBackOff builds the wait schedule between attempts. It yields
// backoff.Stop once the remaining retries are spent or ctx ends.
func newBackOff(ctx context.Context, policy domain.RetryPolicy, retries int) backoff.BackOff {
	var b backoff.BackOff
	switch strings.ToLower(strings.TrimSpace(policy.Backoff.Type)) {
	case "exponential":
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = policy.Backoff.Initial
		exp.MaxInterval = policy.Backoff.Max
		if exp.MaxInterval <= 0 {
			exp.MaxInterval = backoff.DefaultMaxInterval
		}
		exp.Multiplier = policy.Backoff.Multiplier
		if exp.Multiplier < 1 {
			exp.Multiplier = backoff.DefaultMultiplier
		}
		exp.RandomizationFactor = 0
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = exp
	default:
		interval := policy.Backoff.Initial
		if policy.Backoff.Max > 0 && interval > policy.Backoff.Max {
			interval = policy.Backoff.Max
		}
		b = backoff.NewConstantBackOff(interval)
	}
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
