package faketransport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/transport/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = battery.Address("AA:BB:CC:DD:EE:01")

func TestConnectWriteNotifyRoundTrip(t *testing.T) {
	d := New()

	err := d.Connect(context.Background(), testAddress, "FFF3", "FFF4", time.Second)
	require.NoError(t, err)
	assert.True(t, d.IsConnected(testAddress))

	var received []byte
	var mu sync.Mutex
	err = d.Subscribe(testAddress, func(addr battery.Address, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = data
	})
	require.NoError(t, err)

	require.NoError(t, d.Notify(testAddress, []byte{0x01, 0x02}))

	mu.Lock()
	assert.Equal(t, []byte{0x01, 0x02}, received)
	mu.Unlock()

	require.NoError(t, d.Write(context.Background(), testAddress, []byte{0xAA}))
	assert.Equal(t, [][]byte{{0xAA}}, d.Writes(testAddress))
}

func TestConnectRejectsEmptyArguments(t *testing.T) {
	d := New()
	err := d.Connect(context.Background(), "", "FFF3", "FFF4", time.Second)
	assert.True(t, errors.Is(err, battery.TransportInvalidArgument))

	err = d.Connect(context.Background(), testAddress, "", "FFF4", time.Second)
	assert.True(t, errors.Is(err, battery.TransportInvalidArgument))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := New()
	require.NoError(t, d.Connect(context.Background(), testAddress, "FFF3", "FFF4", time.Second))
	require.NoError(t, d.Disconnect(testAddress))
	require.NoError(t, d.Disconnect(testAddress))
	assert.False(t, d.IsConnected(testAddress))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	d := New()
	require.NoError(t, d.Connect(context.Background(), testAddress, "FFF3", "FFF4", time.Second))
	require.NoError(t, d.Unsubscribe(testAddress))
	require.NoError(t, d.Unsubscribe(testAddress))
}

func TestWriteBeforeConnectFails(t *testing.T) {
	d := New()
	err := d.Write(context.Background(), testAddress, []byte{0x01})
	require.Error(t, err)
}

func TestDisruptSimulatesUnexpectedDrop(t *testing.T) {
	d := New()
	require.NoError(t, d.Connect(context.Background(), testAddress, "FFF3", "FFF4", time.Second))
	d.Disrupt(testAddress)
	assert.False(t, d.IsConnected(testAddress))
}

func TestConnectHookCanFailAttempts(t *testing.T) {
	d := New()
	attempts := 0
	d.ConnectHook = func(addr battery.Address) error {
		attempts++
		if attempts < 3 {
			return errors.New("simulated connect failure")
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		err := d.Connect(context.Background(), testAddress, "FFF3", "FFF4", time.Second)
		require.Error(t, err)
	}
	require.NoError(t, d.Connect(context.Background(), testAddress, "FFF3", "FFF4", time.Second))
	assert.Equal(t, 3, d.ConnectAttempts[testAddress])
}

func TestScanYieldsAdvertisedResults(t *testing.T) {
	d := New()
	d.Advertise(ble.ScanResult{Address: string(testAddress), LocalName: "monitor-1"})

	ch, err := d.Scan(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)

	var results int
	for range ch {
		results++
	}
	assert.Equal(t, 1, results)
}
