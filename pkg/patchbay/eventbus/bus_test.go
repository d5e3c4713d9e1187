package eventbus

import (
	"testing"

	"github.com/randalmurphal/patchbay/pkg/patchbay/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	clockOut = PortRef{InstanceID: "clock", PortID: "tick"}
	seqIn    = PortRef{InstanceID: "seq", PortID: "step"}
	envIn    = PortRef{InstanceID: "env", PortID: "gate"}
)

func TestBus_PublishAndDrain(t *testing.T) {
	bus := New(Config{})
	defer bus.Close()

	changed, err := bus.Attach("c1", clockOut, seqIn)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = bus.Attach("c2", clockOut, envIn)
	require.NoError(t, err)

	n, err := bus.Publish(clockOut, value.Bool(true))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, _ = bus.Publish(clockOut, value.Number(2))

	assert.Equal(t, 2, bus.Pending("seq"))
	got := bus.Drain("seq")
	assert.Equal(t, []value.Value{value.Bool(true), value.Number(2)}, got["step"])
	assert.Nil(t, bus.Drain("seq"))
	assert.Equal(t, 2, bus.Pending("env"))
}

func TestBus_PublishWithoutLinks(t *testing.T) {
	bus := New(Config{})
	n, err := bus.Publish(clockOut, value.Bool(true))
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestBus_AttachIdempotent verifies re-attaching identical endpoints is a
// no-op and changed endpoints replace the binding.
func TestBus_AttachIdempotent(t *testing.T) {
	bus := New(Config{})

	_, _ = bus.Attach("c1", clockOut, seqIn)
	changed, err := bus.Attach("c1", clockOut, seqIn)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = bus.Attach("c1", clockOut, envIn)
	require.NoError(t, err)
	assert.True(t, changed)

	_, _ = bus.Publish(clockOut, value.Bool(true))
	assert.Zero(t, bus.Pending("seq"))
	assert.Equal(t, 1, bus.Pending("env"))
	assert.Len(t, bus.Links(), 1)
}

func TestBus_Detach(t *testing.T) {
	bus := New(Config{})
	_, _ = bus.Attach("c1", clockOut, seqIn)

	bus.Detach("c1")
	bus.Detach("unknown")

	_, ok := bus.Link("c1")
	assert.False(t, ok)
	n, _ := bus.Publish(clockOut, value.Bool(true))
	assert.Zero(t, n)
}

func TestBus_FullInboxDropsOldest(t *testing.T) {
	var dropped []value.Value
	bus := New(Config{
		BufferSize: 2,
		OnDrop: func(p Pulse, dest PortRef) {
			assert.Equal(t, seqIn, dest)
			dropped = append(dropped, p.Value)
		},
	})
	_, _ = bus.Attach("c1", clockOut, seqIn)

	for i := 1; i <= 3; i++ {
		_, _ = bus.Publish(clockOut, value.Int(i))
	}

	assert.Equal(t, []value.Value{value.Int(2), value.Int(3)}, bus.Drain("seq")["step"])
	assert.Len(t, dropped, 1)
}

func TestBus_Forget(t *testing.T) {
	bus := New(Config{})
	_, _ = bus.Attach("c1", clockOut, seqIn)
	_, _ = bus.Attach("c2", PortRef{InstanceID: "seq", PortID: "out"}, envIn)
	_, _ = bus.Publish(clockOut, value.Bool(true))

	bus.Forget("seq")

	assert.Empty(t, bus.Links())
	assert.Zero(t, bus.Pending("seq"))
}

func TestBus_Closed(t *testing.T) {
	bus := New(Config{})
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, err := bus.Attach("c1", clockOut, seqIn)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = bus.Publish(clockOut, value.Bool(true))
	assert.ErrorIs(t, err, ErrClosed)
}
