package control

import (
	"context"
	"time"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/billm/fanout/pkg/types"
)

// DefaultTimeout bounds a whole control exchange when the caller's
// context has no deadline
const DefaultTimeout = 5 * time.Second

// Subscribe asks the broker at control to start delivering to self and
// waits for the acknowledgement. Once it returns nil, the subscriber's
// endpoint is listening and can be dialed.
func Subscribe(ctx context.Context, control, self endpoint.Address) error {
	if err := self.Validate(); err != nil {
		return err
	}

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	conn, err := endpoint.Dial(ctx, control)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteSubscribe(conn, self); err != nil {
		return err
	}

	reply, err := endpoint.ReadFrame(conn, 0)
	if err != nil {
		if ctx.Err() != nil {
			return types.WrapError(types.ErrCodeTimeout, "no reply from broker", ctx.Err())
		}
		return types.WrapError(types.ErrCodeTransport, "failed to read control reply", err)
	}
	return ParseReply(reply)
}

// RequestShutdown sends the shutdown sentinel to the broker at control.
// With wait set it also blocks until the broker closes the connection,
// which happens after every subscriber has been detached. A broker that
// is already gone yields ErrCodeTransport; callers treat that as
// best-effort and usually log it.
func RequestShutdown(ctx context.Context, control endpoint.Address, wait bool) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	conn, err := endpoint.Dial(ctx, control)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := WriteShutdown(conn); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	// The broker never replies to a shutdown; EOF marks completion
	if _, err := endpoint.ReadFrame(conn, 0); err != nil && ctx.Err() != nil {
		return types.WrapError(types.ErrCodeTimeout, "broker did not finish shutdown", ctx.Err())
	}
	return nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
