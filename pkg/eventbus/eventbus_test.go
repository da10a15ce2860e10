package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscriptionOrder(t *testing.T) {
	bus := New(nil)
	var order []int
	bus.Subscribe("tick", func(Event) { order = append(order, 1) })
	bus.Subscribe("tick", func(Event) { order = append(order, 2) })
	bus.Subscribe("tick", func(Event) { order = append(order, 3) })

	require.NoError(t, bus.Publish("tick", nil))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := New(nil)
	var reached bool
	bus.Subscribe("tick", func(Event) { panic("bad handler") })
	bus.Subscribe("tick", func(Event) { reached = true })

	require.NoError(t, bus.Publish("tick", nil))
	assert.True(t, reached, "second handler must still run")
}

func TestUnsubscribe(t *testing.T) {
	bus := New(nil)
	var calls int
	id := bus.Subscribe("tick", func(Event) { calls++ })

	require.NoError(t, bus.Publish("tick", nil))
	bus.Unsubscribe(id)
	require.NoError(t, bus.Publish("tick", nil))

	assert.Equal(t, 1, calls)
}

func TestSubscribeOnceRemovedBeforeInvocation(t *testing.T) {
	bus := New(nil)
	var calls int
	bus.SubscribeOnce("tick", func(Event) {
		calls++
		// Re-publishing from inside the handler must not re-trigger it:
		// the subscription is removed before the handler runs.
		_ = bus.Publish("tick", nil)
	})

	require.NoError(t, bus.Publish("tick", nil))
	assert.Equal(t, 1, calls)
}

func TestSubscribeDuringDispatchDoesNotObserveCurrentEvent(t *testing.T) {
	bus := New(nil)
	var lateCalls int
	bus.Subscribe("tick", func(Event) {
		bus.Subscribe("tick", func(Event) { lateCalls++ })
	})

	require.NoError(t, bus.Publish("tick", nil))
	assert.Equal(t, 0, lateCalls)

	require.NoError(t, bus.Publish("tick", nil))
	assert.Equal(t, 1, lateCalls)
}

func TestPublishAfterClose(t *testing.T) {
	bus := New(nil)
	var calls int
	bus.Subscribe("tick", func(Event) { calls++ })
	bus.Close()

	err := bus.Publish("tick", nil)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.Equal(t, 0, calls)
}

func TestPayloadDelivered(t *testing.T) {
	bus := New(nil)
	var got any
	bus.Subscribe("price", func(e Event) { got = e.Payload })

	require.NoError(t, bus.Publish("price", 42.5))
	assert.Equal(t, 42.5, got)
}
