// Package reconcile keeps live audio routing in step with the declarative
// connection list.
//
// Each pass compares the desired routes against the routes established by
// the previous pass and issues only the connect and disconnect calls needed
// to close the gap. Gate and trigger connections are not routed at all; they
// are handed to the event bus instead.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/patchbay/pkg/patchbay/eventbus"
	"github.com/randalmurphal/patchbay/pkg/patchbay/graph"
	"github.com/randalmurphal/patchbay/pkg/patchbay/lifecycle"
	"github.com/randalmurphal/patchbay/pkg/patchbay/observability"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// Route operations, as reported in errors, logs and metrics.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpAttach     = "attach"
	OpDetach     = "detach"
)

// Route is one established low-level connection.
type Route struct {
	ConnectionID string
	Source       lifecycle.Node
	Dest         lifecycle.Node
	// Param names the modulation target when Dest is a parameter.
	Param string
}

func (r Route) same(o Route) bool {
	return r.Param == o.Param &&
		r.Source.NodeID() == o.Source.NodeID() &&
		r.Dest.NodeID() == o.Dest.NodeID()
}

// RouteError reports a failed operation on one connection.
type RouteError struct {
	ConnectionID string
	Op           string
	Err          error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.ConnectionID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RouteError) Unwrap() error {
	return e.Err
}

// Runtime is the part of the host runtime the reconciler needs.
type Runtime interface {
	lifecycle.StateQuery
	lifecycle.Router
}

// Reconciler owns the active route set.
// Reconciler is safe for concurrent use; passes are serialized.
type Reconciler struct {
	bus     *eventbus.Bus
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	onError func(*RouteError)

	mu     sync.Mutex
	rt     Runtime
	active map[string]Route
	links  map[string]bool
	hooked map[string]*lifecycle.Unit
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(r *Reconciler) { r.metrics = metrics }
}

// WithSpanManager sets the span manager.
func WithSpanManager(spans observability.SpanManager) Option {
	return func(r *Reconciler) { r.spans = spans }
}

// WithErrorHandler registers a callback for per-route failures.
func WithErrorHandler(fn func(*RouteError)) Option {
	return func(r *Reconciler) { r.onError = fn }
}

// New creates a reconciler routing through rt. bus may be nil, in which
// case event connections are ignored.
func New(rt Runtime, bus *eventbus.Bus, opts ...Option) *Reconciler {
	r := &Reconciler{
		rt:      rt,
		bus:     bus,
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		active:  make(map[string]Route),
		links:   make(map[string]bool),
		hooked:  make(map[string]*lifecycle.Unit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRuntime swaps the runtime. Routes made on the old runtime are
// forgotten without being disconnected.
func (r *Reconciler) SetRuntime(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rt = rt
	r.active = make(map[string]Route)
	r.hooked = make(map[string]*lifecycle.Unit)
}

// Active returns a copy of the active route set keyed by connection ID.
func (r *Reconciler) Active() map[string]Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyActive()
}

func (r *Reconciler) copyActive() map[string]Route {
	out := make(map[string]Route, len(r.active))
	for id, route := range r.active {
		out[id] = route
	}
	return out
}

// Reconcile brings live routing in line with the snapshot's connections,
// using units to resolve instances to processing units. It returns the new
// active route set. Failures on individual connections are logged and the
// connection is left unrouted.
func (r *Reconciler) Reconcile(ctx context.Context, snap *graph.Snapshot, units map[string]*lifecycle.Unit) map[string]Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.spans.StartReconcileSpan(ctx, len(snap.Connections))
	start := time.Now()
	defer func() {
		r.metrics.RecordReconcile(ctx, time.Since(start), len(r.active))
		r.spans.EndSpanWithError(span, nil)
	}()

	if r.rt == nil || !r.rt.Active() {
		r.teardownLocked(ctx)
		return r.copyActive()
	}

	next := make(map[string]Route, len(snap.Connections))
	nextLinks := make(map[string]bool)

	for _, conn := range snap.Connections {
		from, to, ok := snap.ResolvePorts(conn)
		if !ok || !graph.Compatible(from, to) {
			continue
		}
		src, dst := units[conn.From.InstanceID], units[conn.To.InstanceID]
		if src == nil || dst == nil {
			continue
		}

		if from.Type.IsEvent() {
			if r.attach(ctx, conn, src) {
				nextLinks[conn.ID] = true
			}
			continue
		}
		if from.Type != graph.TypeAudio && from.Type != graph.TypeAny {
			continue
		}

		want, ok := desired(conn, to, src, dst)
		if !ok {
			continue
		}
		if route, ok := r.route(ctx, want); ok {
			next[conn.ID] = route
		}
	}

	for id, route := range r.active {
		if _, keep := next[id]; !keep {
			r.disconnect(ctx, route)
		}
	}
	r.active = next

	for id := range r.links {
		if !nextLinks[id] {
			r.detach(ctx, id)
		}
	}
	r.links = nextLinks

	for id, unit := range r.hooked {
		if units[id] != unit {
			delete(r.hooked, id)
		}
	}
	return r.copyActive()
}

// desired resolves the route a signal connection should have. The
// destination is the named modulation target when the input port declares
// one, else the unit's plain input.
func desired(conn graph.Connection, to graph.Port, src, dst *lifecycle.Unit) (Route, bool) {
	if src.Output == nil {
		return Route{}, false
	}
	route := Route{ConnectionID: conn.ID, Source: src.Output}
	if to.ModulationTarget != "" {
		target, ok := dst.Param(to.ModulationTarget)
		if !ok {
			return Route{}, false
		}
		route.Dest = target
		route.Param = to.ModulationTarget
		return route, true
	}
	if dst.Input == nil {
		return Route{}, false
	}
	route.Dest = dst.Input
	return route, true
}

// route makes want live, reusing an identical existing route.
func (r *Reconciler) route(ctx context.Context, want Route) (Route, bool) {
	if have, ok := r.active[want.ConnectionID]; ok {
		if have.same(want) {
			return have, true
		}
		r.disconnect(ctx, have)
		delete(r.active, want.ConnectionID)
	}
	err := r.rt.Connect(ctx, want.Source, want.Dest)
	r.metrics.RecordRoute(ctx, OpConnect, err)
	if err != nil {
		r.fail(want.ConnectionID, OpConnect, err)
		return Route{}, false
	}
	observability.LogRoute(r.logger, want.ConnectionID, OpConnect)
	return want, true
}

func (r *Reconciler) disconnect(ctx context.Context, route Route) {
	err := r.rt.Disconnect(ctx, route.Source, route.Dest)
	r.metrics.RecordRoute(ctx, OpDisconnect, err)
	if err != nil {
		r.fail(route.ConnectionID, OpDisconnect, err)
		return
	}
	observability.LogRoute(r.logger, route.ConnectionID, OpDisconnect)
}

// attach hands an event connection to the bus and makes sure the source
// unit's emitter publishes there.
func (r *Reconciler) attach(ctx context.Context, conn graph.Connection, src *lifecycle.Unit) bool {
	if r.bus == nil {
		return false
	}
	from := eventbus.PortRef{InstanceID: conn.From.InstanceID, PortID: conn.From.PortID}
	to := eventbus.PortRef{InstanceID: conn.To.InstanceID, PortID: conn.To.PortID}
	changed, err := r.bus.Attach(conn.ID, from, to)
	if err != nil {
		r.metrics.RecordRoute(ctx, OpAttach, err)
		r.fail(conn.ID, OpAttach, err)
		return false
	}
	if changed {
		r.metrics.RecordRoute(ctx, OpAttach, nil)
		observability.LogRoute(r.logger, conn.ID, OpAttach)
	}

	if src.Emitter != nil && r.hooked[src.InstanceID] != src {
		bus, instanceID := r.bus, src.InstanceID
		src.Emitter.OnEmit(func(port string, v value.Value) {
			_, _ = bus.Publish(eventbus.PortRef{InstanceID: instanceID, PortID: port}, v)
		})
		r.hooked[src.InstanceID] = src
	}
	return true
}

func (r *Reconciler) detach(ctx context.Context, id string) {
	r.bus.Detach(id)
	r.metrics.RecordRoute(ctx, OpDetach, nil)
	observability.LogRoute(r.logger, id, OpDetach)
}

// Teardown disconnects every active route and detaches every event link.
func (r *Reconciler) Teardown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked(ctx)
}

func (r *Reconciler) teardownLocked(ctx context.Context) {
	if r.rt != nil {
		for _, route := range r.active {
			r.disconnect(ctx, route)
		}
	}
	r.active = make(map[string]Route)
	for id := range r.links {
		r.detach(ctx, id)
	}
	r.links = make(map[string]bool)
}

func (r *Reconciler) fail(connectionID, op string, err error) {
	rerr := &RouteError{ConnectionID: connectionID, Op: op, Err: err}
	observability.LogRouteError(r.logger, connectionID, op, err)
	if r.onError != nil {
		r.onError(rerr)
	}
}
