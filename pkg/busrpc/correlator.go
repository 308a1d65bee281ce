package busrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/otelhelper"
)

// DefaultCallTimeout bounds every correlated call that does not carry its
// own deadline, matching the gateway's outbound HTTP timeout.
const DefaultCallTimeout = 5 * time.Second

// pendingRequest is one in-flight correlated call. It is owned by the
// correlator's table from registration until reply or discard, whichever
// comes first.
type pendingRequest struct {
	cid       string
	op        string
	createdAt time.Time
	done      chan Envelope // buffered, capacity 1
}

// busPublisher is the slice of *nats.Conn the correlator needs.
type busPublisher interface {
	PublishMsg(msg *nats.Msg) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Correlator turns fire-and-wait calls into publish → await-reply pairs.
//
// Reply subscriptions are created once per registered operation at
// construction time, on an instance-unique inbox prefix, so a reply can
// never arrive before its subscription exists and horizontally scaled
// gateways never receive each other's replies.
type Correlator struct {
	nc          busPublisher
	reg         *Registry
	inboxPrefix string

	mu      sync.Mutex
	pending map[string]*pendingRequest
	subs    []*nats.Subscription
	closed  bool

	callCounter  metric.Int64Counter
	staleCounter metric.Int64Counter
	callDuration metric.Float64Histogram
}

// NewCorrelator subscribes to the reply subject of every operation in reg
// and returns a ready correlator. The subscription set covers the whole
// registry up front: a call to an operation missing from reg fails fast in
// Call instead of silently stalling until timeout.
func NewCorrelator(nc busPublisher, reg *Registry, meter metric.Meter) (*Correlator, error) {
	c := newCorrelator(nc, reg, meter)

	for _, op := range reg.Ops() {
		sub, err := nc.Subscribe(c.replySubject(op), c.dispatch)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to subscribe reply subject for %q: %w", op, err)
		}
		c.subs = append(c.subs, sub)
	}

	return c, nil
}

func newCorrelator(nc busPublisher, reg *Registry, meter metric.Meter) *Correlator {
	c := &Correlator{
		nc:          nc,
		reg:         reg,
		inboxPrefix: nats.NewInbox(),
		pending:     make(map[string]*pendingRequest),
	}

	c.callCounter, _ = meter.Int64Counter("busrpc_calls_total",
		metric.WithDescription("Total correlated calls by operation and outcome"))
	c.staleCounter, _ = meter.Int64Counter("busrpc_stale_replies_total",
		metric.WithDescription("Replies dropped because no pending request matched"))
	c.callDuration, _ = meter.Float64Histogram("busrpc_call_duration_seconds",
		metric.WithDescription("Duration of correlated calls"))

	pendingGauge, _ := meter.Int64ObservableGauge("busrpc_pending_requests",
		metric.WithDescription("In-flight correlated calls"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pendingGauge, int64(c.PendingCount()))
		return nil
	}, pendingGauge)

	return c
}

func (c *Correlator) replySubject(op string) string {
	return c.inboxPrefix + "." + op
}

// Call publishes a correlated request for op and blocks until the reply
// arrives or ctx is done. A context without a deadline gets
// DefaultCallTimeout. The pending entry is removed on every exit path.
func (c *Correlator) Call(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()
	timeout := time.Until(deadline).Round(time.Millisecond)

	desc, err := c.reg.Lookup(op)
	if err != nil {
		return nil, err
	}

	cid, frame, err := NewRequest(payload)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		cid:       cid,
		op:        op,
		createdAt: time.Now(),
		done:      make(chan Envelope, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("correlator is closed")
	}
	c.pending[cid] = p
	c.mu.Unlock()

	if err := otelhelper.TracedPublish(ctx, c.nc, desc.Subject, c.replySubject(op), frame); err != nil {
		c.discard(cid)
		return nil, fmt.Errorf("failed to publish request for %q: %w", op, err)
	}

	select {
	case env := <-p.done:
		c.observe(ctx, op, p, env.Error == nil)
		if env.Error != nil {
			return nil, &RemoteError{Op: op, Status: env.Error.Status, Message: env.Error.Message}
		}
		return env.Data, nil
	case <-ctx.Done():
		c.discard(cid)
		c.observe(ctx, op, p, false)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: op, Timeout: timeout}
		}
		return nil, ctx.Err()
	}
}

// CallInto is Call plus JSON decoding of the reply payload into out.
func (c *Correlator) CallInto(ctx context.Context, op string, payload, out any) error {
	data, err := c.Call(ctx, op, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %q reply: %w", op, err)
	}
	return nil
}

// dispatch routes one reply frame to its pending request. The entry is
// removed from the table under the lock, so at most one reply per
// correlation id is ever honored; later replies and replies for unknown or
// already-timed-out ids are dropped.
func (c *Correlator) dispatch(msg *nats.Msg) {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil && env.Cid == "" {
		slog.Warn("Dropping undecodable reply", "subject", msg.Subject, "error", err)
		return
	}
	if err != nil {
		// Version mismatch with a recoverable cid: surface as a remote
		// error instead of handing the caller an unparseable payload.
		env.Error = &ErrorPayload{Status: 502, Message: err.Error()}
	}

	c.mu.Lock()
	p, ok := c.pending[env.Cid]
	if ok {
		delete(c.pending, env.Cid)
	}
	c.mu.Unlock()

	if !ok {
		c.staleCounter.Add(context.Background(), 1)
		slog.Debug("Dropping stale reply", "cid", env.Cid, "subject", msg.Subject)
		return
	}

	p.done <- env
}

// discard removes an orphaned pending entry. Called on the timeout and
// publish-failure paths; without it the table grows until process restart.
func (c *Correlator) discard(cid string) {
	c.mu.Lock()
	delete(c.pending, cid)
	c.mu.Unlock()
}

func (c *Correlator) observe(ctx context.Context, op string, p *pendingRequest, ok bool) {
	c.callCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("ok", ok),
	))
	c.callDuration.Record(ctx, time.Since(p.createdAt).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
	))
}

// PendingCount reports the number of in-flight calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close drops the reply subscriptions and rejects new calls. In-flight
// calls finish via their own deadlines.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}
