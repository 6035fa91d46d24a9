package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/errors"
)

// WithTimeout runs fn under its own deadline; timeout <= 0 means none. fn
// must honour ctx. When the deadline, not the caller, ended the call the
// error matches both ErrTimeout and context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil || ctx.Err() != nil || callCtx.Err() == nil {
		return err
	}
	return fmt.Errorf("%s exceeded %v: %w", op, timeout, apperrors.Wrap(apperrors.ErrTimeout, context.DeadlineExceeded))
}
