package bus

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// backoffSchedule is the capped exponential backoff from spec §5: every bus
// operation is retried up to 3 times with 100/400/1600ms delays.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	1600 * time.Millisecond,
}

// withRetry runs fn, retrying transient failures per backoffSchedule. fn
// should return a non-nil error only for failures worth retrying; callers
// that want to distinguish malformed-payload errors from transient I/O
// errors must filter before calling withRetry. redis.Nil (a normal
// key-miss) and context.Canceled are never retried — they're returned
// immediately so a missing key doesn't pay the full backoff.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt >= len(backoffSchedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
}
