package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipeguard/pipeguard/internal/app"
)

// ErrRetryExhausted wraps the last failure after maxAttempts.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// RetryWithBackoff re-invokes op with exponentially increasing delay until it
// succeeds or maxAttempts is reached. Before every retry the newest checkpoint
// for name (when one exists) is restored so each attempt starts from a
// known-good state. Failures needing human judgment or classified fatal are
// surfaced immediately, never retried.
func (m *Manager) RetryWithBackoff(ctx context.Context, name string, op func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	var lastErr error
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if cp, err := m.Latest(name); err == nil {
				if _, err := m.Restore(cp.ID); err != nil {
					app.GetLogger().Warn("retry %q: checkpoint restore failed: %v", name, err)
				}
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		kind := ClassifyError(lastErr)
		if kind.NeedsHumanJudgment() || kind.IsFatal() {
			return lastErr
		}
		app.GetLogger().Warn("operation %q attempt %d/%d failed (%s): %v",
			name, attempt, maxAttempts, kind, lastErr)

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry %q interrupted: %w", name, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("%w: operation %q failed after %d attempts: %w",
		ErrRetryExhausted, name, maxAttempts, lastErr)
}
