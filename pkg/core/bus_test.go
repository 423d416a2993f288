package core

import (
	"testing"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrderPerSubscriber(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(TopicDeviceReading)
	events := sub.Events()

	addresses := []battery.Address{
		"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02", "AA:BB:CC:DD:EE:03",
		"AA:BB:CC:DD:EE:04", "AA:BB:CC:DD:EE:05",
	}
	for _, address := range addresses {
		bus.Publish(TopicDeviceReading, DeviceReading{Address: address})
	}

	for i := 0; i < 5; i++ {
		select {
		case evt, ok := <-events:
			require.True(t, ok)
			assert.Equal(t, DeviceReading{Address: addresses[i]}, evt)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMultipleSubscribersEachReceiveAllEvents(t *testing.T) {
	bus := NewBus(16)
	sub1 := bus.Subscribe(TopicSystemShutdown)
	sub2 := bus.Subscribe(TopicSystemShutdown)

	bus.Publish(TopicSystemShutdown, struct{}{})

	select {
	case <-sub1.Events():
	case <-time.After(time.Second):
		t.Fatal("sub1 never received event")
	}
	select {
	case <-sub2.Events():
	case <-time.After(time.Second):
		t.Fatal("sub2 never received event")
	}
}

func TestPublishNeverBlocksProducerAndDropsOldest(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe(TopicDeviceStatus)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicDeviceStatus, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}

	assert.Greater(t, sub.Overflow(), uint64(0))
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(TopicDeviceDiscovered)

	sub.Unsubscribe()
	sub.Unsubscribe()

	bus.Publish(TopicDeviceDiscovered, DeviceDiscovered{})

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestCloseClosesAllSubscriptions(t *testing.T) {
	bus := NewBus(16)
	sub := bus.Subscribe(TopicVehicleSummary)

	bus.Close()
	bus.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	bus.Publish(TopicVehicleSummary, VehicleSummaryEvent{})
}

func TestTopicsAreIndependent(t *testing.T) {
	bus := NewBus(16)
	readingSub := bus.Subscribe(TopicDeviceReading)
	statusSub := bus.Subscribe(TopicDeviceStatus)

	bus.Publish(TopicDeviceReading, DeviceReading{})

	select {
	case <-readingSub.Events():
	case <-time.After(time.Second):
		t.Fatal("reading subscriber never received its event")
	}

	select {
	case <-statusSub.Events():
		t.Fatal("status subscriber should not receive reading events")
	case <-time.After(20 * time.Millisecond):
	}
}
