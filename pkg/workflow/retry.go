package workflow

import (
	"context"
	"time"

	"github.com/guido-cesarano/verifyq/pkg/verify"
)

const (
	maxStepRetries = 3
	baseBackoff    = 100 * time.Millisecond
)

// retryStep runs fn, retrying transient infrastructure failures up to
// maxStepRetries times with exponential backoff (2^n * 100ms). Business
// errors pass through untouched on the first occurrence. This is the step-
// level retry; redistribution retries are bounded separately in task state.
func (e *Engine) retryStep(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !verify.IsTransient(err) {
			return err
		}
		if attempt >= maxStepRetries-1 {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * baseBackoff
		e.log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Transient step failure, backing off")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
