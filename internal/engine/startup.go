package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how long EnsureReady keeps trying to bring the model up.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 500ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// EnsureReady checks that the Engine is reachable and the embedding model is
// available and loadable. A missing model is pulled with progress output
// written to w. Failures are retried with exponential backoff; once retries
// are exhausted the returned error wraps ErrModelUnavailable. On success it
// returns the dimension of the model's vectors.
func EnsureReady(ctx context.Context, e Engine, model string, retry RetryPolicy, w io.Writer) (int, error) {
	var dim int
	op := func() error {
		if !e.IsRunning(ctx) {
			return fmt.Errorf("embedding backend is not running")
		}

		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
		} else {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			err := e.PullModel(ctx, model, func(p PullProgress) {
				if p.Total > 0 {
					pct := float64(p.Completed) / float64(p.Total) * 100
					fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
				} else {
					fmt.Fprintf(w, "  %s\n", p.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
			fmt.Fprintf(w, "model %s: ready\n", model)
		}

		// Embed a probe string so a model that is listed but cannot load
		// fails here rather than on the first user request.
		vec, err := e.Embed(ctx, model, "ping")
		if err != nil {
			return fmt.Errorf("probing model %s: %w", model, err)
		}
		if len(vec) == 0 {
			return backoff.Permanent(fmt.Errorf("model %s returned an empty embedding", model))
		}
		dim = len(vec)
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retry.InitialInterval
	exp.MaxInterval = retry.MaxInterval
	exp.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(exp, retry.MaxRetries), ctx)

	notify := func(err error, next time.Duration) {
		fmt.Fprintf(w, "model %s: not ready (%v), retrying in %s\n", model, err, next.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, model, err)
	}
	return dim, nil
}
