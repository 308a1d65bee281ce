package busrpc

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/otelhelper"
)

// Emitter publishes fire-and-forget messages: no correlation id, no reply
// subject, no delivery confirmation. Failures are logged and swallowed so a
// side-channel write can never abort the caller's primary request path.
type Emitter struct {
	nc  *nats.Conn
	reg *Registry

	emitCounter metric.Int64Counter
}

func NewEmitter(nc *nats.Conn, reg *Registry, meter metric.Meter) *Emitter {
	e := &Emitter{nc: nc, reg: reg}
	e.emitCounter, _ = meter.Int64Counter("busrpc_emits_total",
		metric.WithDescription("Fire-and-forget emits by operation and outcome"))
	return e
}

// Emit publishes payload to op's subject, best effort.
func (e *Emitter) Emit(ctx context.Context, op string, payload any) {
	desc, err := e.reg.Lookup(op)
	if err != nil {
		slog.Warn("Emit to unregistered operation", "op", op, "error", err)
		e.count(ctx, op, false)
		return
	}

	frame, err := NewEvent(payload)
	if err != nil {
		slog.Warn("Failed to encode emit payload", "op", op, "error", err)
		e.count(ctx, op, false)
		return
	}

	if err := otelhelper.TracedPublish(ctx, e.nc, desc.Subject, "", frame); err != nil {
		slog.Warn("Failed to publish emit", "op", op, "subject", desc.Subject, "error", err)
		e.count(ctx, op, false)
		return
	}
	e.count(ctx, op, true)
}

func (e *Emitter) count(ctx context.Context, op string, ok bool) {
	e.emitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("ok", ok),
	))
}
