package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// WithTimeout wraps inner so each invocation runs with a deadline of now+timeout.
func WithTimeout(inner CommandFunc, timeout time.Duration) CommandFunc {
	return func(ctx context.Context, split Split) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner(ctx, split)
	}
}

// WithRecover turns a panic inside inner into an error, so one broken shard
// fails on its own instead of taking the worker down.
func WithRecover(inner CommandFunc) CommandFunc {
	return func(ctx context.Context, split Split) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return inner(ctx, split)
	}
}
