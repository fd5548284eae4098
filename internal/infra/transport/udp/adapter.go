// Package udp implements the local datagram trigger transport. The device
// protocol is one byte in each direction: the client sends 0x01, the device
// answers 0x01 when the relay engages and 0x00 when it releases.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gatekeeper/internal/domain/gate"
	"github.com/ahrav/gatekeeper/pkg/common/logger"
)

// Wire bytes.
const (
	CmdTrigger    byte = 0x01
	RelayActive   byte = 0x01
	RelayInactive byte = 0x00
)

// DialFunc opens a connected datagram socket.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

var _ gate.Adapter = (*Adapter)(nil)

// Adapter triggers the relay over UDP. At most one Trigger runs at a time.
type Adapter struct {
	target gate.Target
	dial   DialFunc

	mu     sync.Mutex
	busy   bool
	conn   net.Conn
	cancel context.CancelCauseFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewAdapter creates a UDP adapter for target. A nil dial uses net.Dialer.
func NewAdapter(target gate.Target, dial DialFunc, logger *logger.Logger, tracer trace.Tracer) *Adapter {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Adapter{
		target: target,
		dial:   dial,
		logger: logger.With("component", "udp_adapter", "target", target.Address()),
		tracer: tracer,
	}
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return "udp:" + a.target.Address() }

var errCancelled = errors.New("trigger cancelled")

// Trigger sends the trigger byte and waits for the release byte. Relay
// activation is reported through onRelay exactly once; a release without a
// prior activation reports both.
func (a *Adapter) Trigger(ctx context.Context, onRelay gate.RelayFunc) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return gate.ErrBusy
	}
	a.busy = true
	a.cancel = cancel
	a.mu.Unlock()
	defer a.release()

	ctx, span := a.tracer.Start(ctx, "udp_adapter.trigger", trace.WithAttributes(
		attribute.String("target", a.target.Address()),
	))
	defer span.End()

	err := a.trigger(ctx, onRelay)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger failed")
		a.logger.Warn(ctx, "UDP trigger failed", "error", err)
		return err
	}
	span.AddEvent("relay_released")
	return nil
}

func (a *Adapter) trigger(ctx context.Context, onRelay gate.RelayFunc) error {
	conn, err := a.dial(ctx, "udp4", a.target.Address())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", gate.ErrOperationTimeout, context.Cause(ctx))
		}
		return fmt.Errorf("%w: dial %s: %w", gate.ErrConnectionFailed, a.target.Address(), err)
	}

	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %w", gate.ErrOperationTimeout, context.Cause(ctx))
	}
	a.conn = conn
	a.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write([]byte{CmdTrigger}); err != nil {
		return fmt.Errorf("%w: send trigger: %w", gate.ErrConnectionFailed, err)
	}
	a.logger.Debug(ctx, "UDP trigger sent")

	activated := false
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", gate.ErrOperationTimeout, context.Cause(ctx))
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: awaiting relay state: %w", gate.ErrOperationTimeout, err)
			}
			return fmt.Errorf("%w: awaiting relay state: %w", gate.ErrConnectionFailed, err)
		}
		if n == 0 {
			continue
		}

		switch buf[0] {
		case RelayActive:
			if !activated {
				activated = true
				onRelay(gate.RelayActivated)
			}
		case RelayInactive:
			if !activated {
				onRelay(gate.RelayActivated)
			}
			onRelay(gate.RelayReleased)
			return nil
		default:
			return fmt.Errorf("%w: unexpected byte 0x%02x", gate.ErrInvalidResponse, buf[0])
		}
	}
}

// Cancel aborts an in-flight Trigger and closes its socket.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel(errCancelled)
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

func (a *Adapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.cancel = nil
	a.busy = false
}
