// Package ble provides the BLE adapter abstraction the connection pool
// multiplexes across many peripherals: scan, per-peripheral connect, GATT
// write, and notification subscribe/unsubscribe. A single adapter instance
// drives every device the pool manages; scanning and connecting may not
// run concurrently on one adapter.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"tinygo.org/x/bluetooth"
)

// ScanResult is one advertisement observed during a scan.
type ScanResult struct {
	Address          string
	LocalName        string
	ManufacturerData map[uint16][]byte
}

// NotificationHandler receives raw notification payloads for one
// device's notify characteristic.
type NotificationHandler func(address battery.Address, data []byte)

// Adapter is the abstraction the connection pool depends on. It must be
// pluggable via constructor injection — the pool never reaches for the OS
// adapter directly — so the entire core above it is exercisable without
// hardware via a test double satisfying this same interface.
type Adapter interface {
	// Connect establishes a GATT link to address, discovering the given
	// write/notify characteristics. It blocks until connected, timed out,
	// or ctx is cancelled.
	Connect(ctx context.Context, address battery.Address, writeCharUUID, notifyCharUUID string, timeout time.Duration) error

	// Disconnect drops the link to address. Idempotent.
	Disconnect(address battery.Address) error

	// Write sends data to address's write characteristic.
	Write(ctx context.Context, address battery.Address, data []byte) error

	// Subscribe enables notifications on address's notify characteristic,
	// invoking handler for each payload.
	Subscribe(address battery.Address, handler NotificationHandler) error

	// Unsubscribe disables notifications on address's notify
	// characteristic. Idempotent.
	Unsubscribe(address battery.Address) error

	// IsConnected reports whether address currently has a live link.
	IsConnected(address battery.Address) bool

	// Scan yields a lazy sequence of advertisements observed over
	// duration. The returned channel is closed when the scan ends.
	Scan(ctx context.Context, duration time.Duration) (<-chan ScanResult, error)
}

type deviceHandle struct {
	device         bluetooth.Device
	writeChar      bluetooth.DeviceCharacteristic
	notifyChar     bluetooth.DeviceCharacteristic
	hasNotifyChar  bool
}

// RealAdapter drives a single physical BLE adapter via
// tinygo.org/x/bluetooth, multiplexed across every peripheral the pool
// asks it to manage.
type RealAdapter struct {
	mu       sync.Mutex
	adapter  *bluetooth.Adapter
	handles  map[battery.Address]*deviceHandle
	scanning bool
}

// NewRealAdapter creates an Adapter backed by the host's default BLE
// adapter.
func NewRealAdapter() (*RealAdapter, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return &RealAdapter{
		adapter: adapter,
		handles: make(map[battery.Address]*deviceHandle),
	}, nil
}

func (a *RealAdapter) Connect(ctx context.Context, address battery.Address, writeCharUUID, notifyCharUUID string, timeout time.Duration) error {
	if address == "" || writeCharUUID == "" {
		return battery.TransportInvalidArgument
	}

	a.mu.Lock()
	if _, exists := a.handles[address]; exists {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	mac, err := bluetooth.ParseMAC(string(address))
	if err != nil {
		return fmt.Errorf("%w: %v", battery.TransportInvalidArgument, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan struct {
		dev bluetooth.Device
		err error
	}, 1)

	go func() {
		dev, err := a.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
		resultCh <- struct {
			dev bluetooth.Device
			err error
		}{dev, err}
	}()

	var dev bluetooth.Device
	select {
	case r := <-resultCh:
		if r.err != nil {
			return fmt.Errorf("ble: connect %s: %w", address, r.err)
		}
		dev = r.dev
	case <-connectCtx.Done():
		return fmt.Errorf("ble: connect %s: %w", address, connectCtx.Err())
	}

	handle := &deviceHandle{device: dev}

	writeUUID, err := bluetooth.ParseUUID(writeCharUUID)
	if err != nil {
		dev.Disconnect()
		return fmt.Errorf("%w: write char uuid: %v", battery.TransportInvalidArgument, err)
	}
	writeServices, err := dev.DiscoverServices(nil)
	if err != nil {
		dev.Disconnect()
		return fmt.Errorf("ble: discover services for %s: %w", address, err)
	}
	if err := findCharacteristic(writeServices, writeUUID, &handle.writeChar); err != nil {
		dev.Disconnect()
		return fmt.Errorf("ble: write characteristic %s: %w", writeCharUUID, err)
	}

	if notifyCharUUID != "" {
		notifyUUID, err := bluetooth.ParseUUID(notifyCharUUID)
		if err != nil {
			dev.Disconnect()
			return fmt.Errorf("%w: notify char uuid: %v", battery.TransportInvalidArgument, err)
		}
		if err := findCharacteristic(writeServices, notifyUUID, &handle.notifyChar); err == nil {
			handle.hasNotifyChar = true
		}
	}

	a.mu.Lock()
	a.handles[address] = handle
	a.mu.Unlock()

	return nil
}

func findCharacteristic(services []bluetooth.DeviceService, uuid bluetooth.UUID, out *bluetooth.DeviceCharacteristic) error {
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil {
			continue
		}
		if len(chars) > 0 {
			*out = chars[0]
			return nil
		}
	}
	return fmt.Errorf("characteristic %s not found", uuid.String())
}

func (a *RealAdapter) Disconnect(address battery.Address) error {
	if address == "" {
		return battery.TransportInvalidArgument
	}

	a.mu.Lock()
	handle, exists := a.handles[address]
	if exists {
		delete(a.handles, address)
	}
	a.mu.Unlock()

	if !exists {
		return nil
	}
	return handle.device.Disconnect()
}

func (a *RealAdapter) Write(ctx context.Context, address battery.Address, data []byte) error {
	if address == "" || len(data) == 0 {
		return battery.TransportInvalidArgument
	}

	a.mu.Lock()
	handle, exists := a.handles[address]
	a.mu.Unlock()
	if !exists {
		return fmt.Errorf("ble: write %s: %w", address, battery.TransportInvalidArgument)
	}

	_, err := handle.writeChar.WriteWithoutResponse(data)
	if err != nil {
		_, err = handle.writeChar.Write(data)
	}
	return err
}

func (a *RealAdapter) Subscribe(address battery.Address, handler NotificationHandler) error {
	if address == "" || handler == nil {
		return battery.TransportInvalidArgument
	}

	a.mu.Lock()
	handle, exists := a.handles[address]
	a.mu.Unlock()
	if !exists {
		return fmt.Errorf("ble: subscribe %s: %w", address, battery.TransportInvalidArgument)
	}
	if !handle.hasNotifyChar {
		return fmt.Errorf("ble: subscribe %s: no notify characteristic", address)
	}

	return handle.notifyChar.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		handler(address, data)
	})
}

func (a *RealAdapter) Unsubscribe(address battery.Address) error {
	if address == "" {
		return battery.TransportInvalidArgument
	}

	a.mu.Lock()
	handle, exists := a.handles[address]
	a.mu.Unlock()
	if !exists || !handle.hasNotifyChar {
		return nil
	}
	return handle.notifyChar.EnableNotifications(nil)
}

func (a *RealAdapter) IsConnected(address battery.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.handles[address]
	return exists
}

func (a *RealAdapter) Scan(ctx context.Context, duration time.Duration) (<-chan ScanResult, error) {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil, fmt.Errorf("ble: scan already in progress")
	}
	a.scanning = true
	a.mu.Unlock()

	out := make(chan ScanResult, 32)

	go func() {
		defer close(out)
		defer func() {
			a.mu.Lock()
			a.scanning = false
			a.mu.Unlock()
		}()

		scanCtx, cancel := context.WithTimeout(ctx, duration)
		defer cancel()

		done := make(chan struct{})
		go func() {
			_ = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
				manufacturerData := make(map[uint16][]byte, len(result.AdvertisementPayload.ManufacturerData()))
				for _, md := range result.AdvertisementPayload.ManufacturerData() {
					manufacturerData[md.CompanyID] = md.Data
				}
				select {
				case out <- ScanResult{
					Address:          result.Address.String(),
					LocalName:        result.LocalName(),
					ManufacturerData: manufacturerData,
				}:
				default:
				}
			})
			close(done)
		}()

		select {
		case <-scanCtx.Done():
		case <-done:
		}
		_ = a.adapter.StopScan()
	}()

	return out, nil
}
