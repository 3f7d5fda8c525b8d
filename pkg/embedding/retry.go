package embedding

import (
	"context"
	"time"

	"github.com/okets/my-agent-sub003/internal/observability"
)

const (
	embedTimeout      = 30 * time.Second
	embedBatchTimeout = 60 * time.Second
	lookupTimeout     = 5 * time.Second
)

// callWithRetry runs op with a per-attempt timeout and retries exactly once.
// When both attempts fail, onFail is invoked with the last error before it
// is returned.
func callWithRetry[T any](ctx context.Context, providerID string, timeout time.Duration, op func(context.Context) (T, error), onFail func(error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := op(attemptCtx)
		cancel()

		observability.RecordEmbeddingCall(providerID, err == nil)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	if ctx.Err() == nil && onFail != nil {
		onFail(lastErr)
	}
	return zero, lastErr
}
