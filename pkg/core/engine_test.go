package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/config"
	"github.com/batteryhawk/core/pkg/registrystore"
	"github.com/batteryhawk/core/pkg/transport/ble"
	"github.com/batteryhawk/core/pkg/transport/ble/faketransport"
)

func newTestEngine(t *testing.T) (*Engine, *faketransport.Double, *registrystore.SQLiteStore) {
	t.Helper()

	store, err := registrystore.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Discovery.InitialScan = false
	cfg.Discovery.PeriodicIntervalS = 3600
	cfg.Bluetooth.MaxConcurrentConnections = 2

	adapter := faketransport.New()
	engine := New(adapter, store, cfg, nil, nil)
	return engine, adapter, store
}

func TestAddDeviceThenConfigureStartsSession(t *testing.T) {
	engine, adapter, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	address := battery.Address("AA:BB:CC:DD:EE:01")
	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))

	_, err := engine.GetDevice(address)
	require.NoError(t, err)

	require.NoError(t, engine.ConfigureDevice(address, battery.ProtocolBM2, 50*time.Millisecond, "pack-1", ""))

	d, err := engine.GetDevice(address)
	require.NoError(t, err)
	assert.Equal(t, battery.DeviceConfigured, d.Status)
	assert.True(t, adapter.IsConnected(address))
}

func TestAddDeviceRejectsDuplicateAddress(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	address := battery.Address("AA:BB:CC:DD:EE:02")

	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))
	err := engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2})
	assert.ErrorIs(t, err, ErrDeviceExists)
}

func TestRemoveDeviceClearsStateAndStore(t *testing.T) {
	engine, _, store := newTestEngine(t)
	address := battery.Address("AA:BB:CC:DD:EE:03")

	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))
	require.NoError(t, engine.RemoveDevice(address))

	_, err := engine.GetDevice(address)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	devices, err := store.LoadDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestAssociateDeviceUpdatesVehicleCountAndSummary(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	address := battery.Address("AA:BB:CC:DD:EE:04")
	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))
	require.NoError(t, engine.AddVehicle(battery.VehicleRecord{ID: "v1", Name: "Truck"}))

	require.NoError(t, engine.AssociateDevice(address, "v1"))

	vehicles := engine.ListVehicles()
	require.Len(t, vehicles, 1)
	assert.Equal(t, 1, vehicles[0].DeviceCount)

	summary, ok := engine.VehicleSummary("v1")
	require.True(t, ok)
	assert.Equal(t, 1, summary.TotalDevices)
	assert.Equal(t, battery.HealthBad, summary.OverallHealth)
}

func TestAssociateDeviceRejectsUnknownVehicle(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	address := battery.Address("AA:BB:CC:DD:EE:05")
	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))

	err := engine.AssociateDevice(address, "missing")
	assert.ErrorIs(t, err, ErrVehicleNotFound)
}

func TestHandleReadingRecordsLatestAndPublishes(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	address := battery.Address("AA:BB:CC:DD:EE:06")
	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))

	sub := engine.Bus().Subscribe(TopicDeviceReading)
	defer sub.Unsubscribe()

	reading := battery.Reading{Address: address, Voltage: 12.6, StateOfCharge: 80, Timestamp: time.Now()}
	engine.handleReading(address, reading)

	got, ok := engine.LatestReading(address)
	require.True(t, ok)
	assert.Equal(t, 12.6, got.Voltage)

	select {
	case evt := <-sub.Events():
		dr, ok := evt.(DeviceReading)
		require.True(t, ok)
		assert.Equal(t, address, dr.Address)
	case <-time.After(time.Second):
		t.Fatal("expected a device reading event")
	}
}

func TestDiscoverOnceRegistersNewDevice(t *testing.T) {
	engine, adapter, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	adapter.Advertise(ble.ScanResult{Address: "AA:BB:CC:DD:EE:07", LocalName: "pack"})

	sub := engine.Bus().Subscribe(TopicDeviceDiscovered)
	defer sub.Unsubscribe()

	engine.discoverOnce()

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected a device discovered event")
	}

	devices := engine.ListDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, battery.DeviceDiscovered, devices[0].Status)
}

func TestStartStopDiscoveryTogglesFlag(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	assert.True(t, engine.discoveryEnabled.Load())
	engine.StopDiscovery()
	assert.False(t, engine.discoveryEnabled.Load())
	engine.StartDiscovery()
	assert.True(t, engine.discoveryEnabled.Load())
}

func TestPublishConnectionAlsoPublishesDeviceStatus(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	sub := engine.Bus().Subscribe(TopicDeviceStatus)
	defer sub.Unsubscribe()

	address := battery.Address("AA:BB:CC:DD:EE:08")
	engine.publishConnection(address, "disconnected", "connected")

	select {
	case evt := <-sub.Events():
		ds, ok := evt.(DeviceStatus)
		require.True(t, ok)
		assert.Equal(t, address, ds.Address)
		assert.True(t, ds.Runtime.Connected)
	case <-time.After(time.Second):
		t.Fatal("expected a device status event")
	}
}

func TestConfigureDeviceLoadsAlertScriptAndVetoesReadings(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	scriptPath := filepath.Join(t.TempDir(), "alert.lua")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`
function on_reading(address, voltage, soc)
	return voltage > 5
end
`), 0o644))

	address := battery.Address("AA:BB:CC:DD:EE:09")
	require.NoError(t, engine.AddDevice(battery.DeviceRecord{Address: address, Protocol: battery.ProtocolBM2}))
	require.NoError(t, engine.ConfigureDevice(address, battery.ProtocolBM2, time.Hour, "pack-9", scriptPath))

	sub := engine.Bus().Subscribe(TopicDeviceReading)
	defer sub.Unsubscribe()

	vetoed := battery.Reading{Address: address, Voltage: 1, Timestamp: time.Now()}
	engine.handleReading(address, vetoed)
	_, ok := engine.LatestReading(address)
	assert.False(t, ok, "low-voltage reading should have been vetoed by the alert script")

	kept := battery.Reading{Address: address, Voltage: 12.6, Timestamp: time.Now()}
	engine.handleReading(address, kept)

	select {
	case evt := <-sub.Events():
		dr, ok := evt.(DeviceReading)
		require.True(t, ok)
		assert.Equal(t, 12.6, dr.Reading.Voltage)
	case <-time.After(time.Second):
		t.Fatal("expected the kept reading to publish")
	}
}

func TestStatusReflectsRunningState(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	before := engine.Status()
	assert.False(t, before.Running)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	after := engine.Status()
	assert.True(t, after.Running)
}
