package workflow

import (
	"context"
	"fmt"
	"time"

	taskerrors "github.com/vinayprograms/taskloop/errors"
	"github.com/vinayprograms/taskloop/events"
	"github.com/vinayprograms/taskloop/telemetry"
)

type callResult[T any] struct {
	value T
	err   error
}

// call invokes one capability under its timeout. The call runs on its own
// goroutine so a capability that ignores ctx cannot hold the run past the
// deadline; its late result is discarded. A panic inside the capability is
// returned as a PANIC error.
func call[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- callResult[T]{zero, taskerrors.New(taskerrors.ErrCodePanic,
					fmt.Sprintf("recovered from panic in %s: %v", name, r))}
			}
		}()
		v, err := fn(ctx)
		done <- callResult[T]{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, taskerrors.Wrap(ctx.Err(), name)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit publishes e with the run's trace context. Publishing is best effort.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)
	if len(carrier) > 0 {
		ev.Trace = carrier
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.WithTaskID(ev.TaskID).Debug("event not published", map[string]interface{}{
			"type":  string(ev.Type),
			"error": err.Error(),
		})
	}
}
