package driver

import (
	"context"
	"time"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// withRetry runs fn with bounded exponential backoff. Only transient-io
// failures retry; structured errors with any other code surface at once.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !model.IsCode(err, model.ErrCodeTransientIO) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return model.NewError(model.ErrCodeTransientIO, "retry cancelled").WithCause(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
