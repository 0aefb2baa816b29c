package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaigner/internal/pacing"
	logx "campaigner/pkg/logx"
)

// Reconnect calls dial until it succeeds, ctx ends, dial reports ErrClosed, or
// the backoff gives up. Waits follow pacing.Backoff.
//
// The returned error wraps ErrClosed when the caller should stop trying.
func Reconnect(ctx context.Context, b pacing.Backoff, log logx.Logger, dial func(ctx context.Context) error) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	var last error
	for attempt := 0; ; attempt++ {
		err := dial(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info("reconnected", logx.Int("attempts", attempt+1))
			}
			return nil
		}
		last = err
		if errors.Is(err, ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait, ok := b.Delay(attempt)
		if !ok {
			log.Error("reconnect abandoned", logx.Int("attempts", attempt+1), logx.Err(last))
			return fmt.Errorf("%w: gave up after %d attempts: %v", ErrClosed, attempt+1, last)
		}
		log.Warn("connect failed; retrying",
			logx.Int("attempt", attempt+1),
			logx.Int("max_attempts", b.MaxAttempts),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
