// Package eventbus carries gate and trigger pulses between instances
// independently of the control tick's value propagation.
//
// A Link binds a source output port to a destination input port. Publishing
// on the source appends a Pulse to each linked destination's inbox, and the
// destination's logic drains its inbox on its next evaluation. Links are
// attached and detached by the audio reconciler as connections come and go.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
)

// ErrClosed indicates the bus was closed.
var ErrClosed = errors.New("event bus is closed")

// PortRef addresses one port on one instance.
type PortRef struct {
	InstanceID string
	PortID     string
}

// Pulse is one delivered event.
type Pulse struct {
	ID     string
	Source PortRef
	Value  value.Value
	At     time.Time
}

// Link is an attached source-to-destination binding, keyed by connection ID.
type Link struct {
	ID   string
	From PortRef
	To   PortRef
}

// Config configures bus behavior.
type Config struct {
	// BufferSize is the maximum number of undrained pulses per destination
	// port. When full, the oldest pulse is dropped.
	// Default: 64
	BufferSize int

	// OnDrop is called when a pulse is dropped from a full inbox.
	OnDrop func(p Pulse, dest PortRef)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 64,
}

// Bus is an in-memory pulse router. Bus is safe for concurrent use.
type Bus struct {
	config Config

	mu       sync.Mutex
	links    map[string]Link
	bySource map[PortRef]map[string]PortRef
	inbox    map[string]map[string][]Pulse

	now    func() time.Time
	closed atomic.Bool
}

// New creates a bus.
func New(config Config) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig.BufferSize
	}
	return &Bus{
		config:   config,
		links:    make(map[string]Link),
		bySource: make(map[PortRef]map[string]PortRef),
		inbox:    make(map[string]map[string][]Pulse),
		now:      time.Now,
	}
}

// Attach binds from to to under id. Re-attaching an id with the same
// endpoints is a no-op; with different endpoints the old binding is replaced.
// It reports whether the binding changed.
func (b *Bus) Attach(id string, from, to PortRef) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.links[id]; ok {
		if existing.From == from && existing.To == to {
			return false, nil
		}
		b.detachLocked(id)
	}

	b.links[id] = Link{ID: id, From: from, To: to}
	dests := b.bySource[from]
	if dests == nil {
		dests = make(map[string]PortRef)
		b.bySource[from] = dests
	}
	dests[id] = to
	return true, nil
}

// Detach removes the binding with the given id. Unknown ids are ignored.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(id)
}

func (b *Bus) detachLocked(id string) {
	link, ok := b.links[id]
	if !ok {
		return
	}
	delete(b.links, id)
	if dests := b.bySource[link.From]; dests != nil {
		delete(dests, id)
		if len(dests) == 0 {
			delete(b.bySource, link.From)
		}
	}
}

// Links returns the attached bindings.
func (b *Bus) Links() []Link {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Link, 0, len(b.links))
	for _, l := range b.links {
		out = append(out, l)
	}
	return out
}

// Link returns the binding with the given id.
func (b *Bus) Link(id string) (Link, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.links[id]
	return l, ok
}

// Publish delivers v to every port linked from source and returns how many
// inboxes received it. Publish never blocks on consumers.
func (b *Bus) Publish(source PortRef, v value.Value) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	pulse := Pulse{
		ID:     uuid.New().String(),
		Source: source,
		Value:  v,
		At:     b.now(),
	}

	var dropped []PortRef
	b.mu.Lock()
	dests := b.bySource[source]
	for _, to := range dests {
		ports := b.inbox[to.InstanceID]
		if ports == nil {
			ports = make(map[string][]Pulse)
			b.inbox[to.InstanceID] = ports
		}
		queue := ports[to.PortID]
		if len(queue) >= b.config.BufferSize {
			queue = queue[1:]
			dropped = append(dropped, to)
		}
		ports[to.PortID] = append(queue, pulse)
	}
	delivered := len(dests)
	b.mu.Unlock()

	if b.config.OnDrop != nil {
		for _, to := range dropped {
			b.config.OnDrop(pulse, to)
		}
	}
	return delivered, nil
}

// Drain removes and returns the pending pulse values for an instance, keyed
// by input port, oldest first. It returns nil when nothing is pending.
func (b *Bus) Drain(instanceID string) map[string][]value.Value {
	b.mu.Lock()
	ports := b.inbox[instanceID]
	delete(b.inbox, instanceID)
	b.mu.Unlock()

	if len(ports) == 0 {
		return nil
	}
	out := make(map[string][]value.Value, len(ports))
	for port, pulses := range ports {
		vals := make([]value.Value, len(pulses))
		for i, p := range pulses {
			vals[i] = p.Value
		}
		out[port] = vals
	}
	return out
}

// Pending returns the number of undrained pulses for an instance.
func (b *Bus) Pending(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, pulses := range b.inbox[instanceID] {
		n += len(pulses)
	}
	return n
}

// Forget drops every binding touching an instance along with its inbox.
func (b *Bus) Forget(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.links {
		if l.From.InstanceID == instanceID || l.To.InstanceID == instanceID {
			b.detachLocked(id)
		}
	}
	delete(b.inbox, instanceID)
}

// Close shuts down the bus and discards all bindings and pending pulses.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links = make(map[string]Link)
	b.bySource = make(map[PortRef]map[string]PortRef)
	b.inbox = make(map[string]map[string][]Pulse)
	return nil
}
