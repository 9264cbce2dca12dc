package gateway

import (
	"context"

	"github.com/googleapis/gax-go/v2"
)

type ExitReason int

const (
	Succeeded ExitReason = iota
	Exhausted
	Aborted
)

func (r ExitReason) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Outcome says how a retry loop ended. Err is the last error seen.
type Outcome struct {
	Reason   ExitReason
	Attempts int
	Err      error
}

// Retry calls fn until it succeeds, attempts run out, ctx ends, or fn returns
// an error retryable rejects. fn receives the zero-based attempt number and
// attempts are spaced by bo.
func Retry(ctx context.Context, attempts int, bo gax.Backoff, fn func(attempt int) error, retryable func(error) bool) Outcome {
	var out Outcome
	if err := ctx.Err(); err != nil {
		out.Reason = Aborted
		out.Err = err
		return out
	}
	if attempts <= 0 {
		out.Reason = Exhausted
		return out
	}

	stop := Exhausted
	err := gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		err := fn(out.Attempts)
		out.Attempts++
		return err
	}, gax.WithRetry(func() gax.Retryer {
		return gax.OnErrorFunc(bo, func(err error) bool {
			if retryable != nil && !retryable(err) {
				stop = Aborted
				return false
			}
			return out.Attempts < attempts
		})
	}))

	out.Err = err
	switch {
	case err == nil:
		out.Reason = Succeeded
	case ctx.Err() != nil:
		out.Reason = Aborted
	default:
		out.Reason = stop
	}
	return out
}
