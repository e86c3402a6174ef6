package httpindex

import (
	"context"
	"time"

	"github.com/echoman-project/echoman/pkg/errs"
)

// withRetry runs op, retrying every error errs.Classify marks retryable
// (transient-provider and malformed-response) with the jittered backoff
// of pkg/errs, up to KindTransientProvider's max attempt count (3) for
// either kind. Modeled on the retry loop tarsy's pkg/mcp package wraps
// around every MCP tool call.
func withRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	maxAttempts := errs.KindTransientProvider.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		kind := errs.Classify(err)
		if !kind.Retryable() || attempt == maxAttempts {
			return errs.New(kind, "vectorindex", err)
		}
		select {
		case <-time.After(errs.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
