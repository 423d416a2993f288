// Package faketransport provides a hardware-free test double for
// ble.Adapter, injected via constructor the same way the real adapter is.
// It emulates connect/disconnect, write, and synthetic notifications so
// the pool, session, scheduler, and orchestrator are all exercisable
// without a BLE radio.
package faketransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/transport/ble"
)

type connection struct {
	connected bool
	handler   ble.NotificationHandler
	writes    [][]byte
}

// ConnectHook lets a test observe or fail connect attempts, and is called
// once per Connect invocation before the double records the connection as
// established — useful for simulating delayed or failing transports (S2,
// S4 in the testable-properties scenarios).
type ConnectHook func(address battery.Address) error

// Double is a deterministic, in-memory ble.Adapter implementation.
type Double struct {
	mu          sync.Mutex
	connections map[battery.Address]*connection
	advertised  []ble.ScanResult

	ConnectHook    ConnectHook
	ConnectAttempts map[battery.Address]int
}

// New creates an empty fake adapter.
func New() *Double {
	return &Double{
		connections:     make(map[battery.Address]*connection),
		ConnectAttempts: make(map[battery.Address]int),
	}
}

// Advertise registers a scan result to be yielded by Scan.
func (d *Double) Advertise(result ble.ScanResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.advertised = append(d.advertised, result)
}

func (d *Double) Connect(ctx context.Context, address battery.Address, writeCharUUID, notifyCharUUID string, timeout time.Duration) error {
	if address == "" || writeCharUUID == "" {
		return battery.TransportInvalidArgument
	}

	d.mu.Lock()
	d.ConnectAttempts[address]++
	hook := d.ConnectHook
	d.mu.Unlock()

	if hook != nil {
		if err := hook(address); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	if !exists {
		conn = &connection{}
		d.connections[address] = conn
	}
	conn.connected = true
	return nil
}

func (d *Double) Disconnect(address battery.Address) error {
	if address == "" {
		return battery.TransportInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	if !exists {
		return nil
	}
	conn.connected = false
	conn.handler = nil
	return nil
}

func (d *Double) Write(ctx context.Context, address battery.Address, data []byte) error {
	if address == "" || len(data) == 0 {
		return battery.TransportInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	if !exists || !conn.connected {
		return fmt.Errorf("faketransport: write %s: not connected", address)
	}
	conn.writes = append(conn.writes, append([]byte(nil), data...))
	return nil
}

func (d *Double) Subscribe(address battery.Address, handler ble.NotificationHandler) error {
	if address == "" || handler == nil {
		return battery.TransportInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	if !exists || !conn.connected {
		return fmt.Errorf("faketransport: subscribe %s: not connected", address)
	}
	conn.handler = handler
	return nil
}

func (d *Double) Unsubscribe(address battery.Address) error {
	if address == "" {
		return battery.TransportInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	if !exists {
		return nil
	}
	conn.handler = nil
	return nil
}

func (d *Double) IsConnected(address battery.Address) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	return exists && conn.connected
}

// Disrupt simulates the peripheral dropping out from under the adapter
// (e.g. going out of range) without an operator-initiated disconnect.
func (d *Double) Disrupt(address battery.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, exists := d.connections[address]; exists {
		conn.connected = false
	}
}

// Notify delivers a synthetic notification payload to address's
// subscribed handler, if any.
func (d *Double) Notify(address battery.Address, data []byte) error {
	d.mu.Lock()
	conn, exists := d.connections[address]
	d.mu.Unlock()
	if !exists || conn.handler == nil {
		return fmt.Errorf("faketransport: notify %s: no subscriber", address)
	}
	conn.handler(address, data)
	return nil
}

// Writes returns every payload written to address, in order, for
// assertions in tests.
func (d *Double) Writes(address battery.Address) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, exists := d.connections[address]
	if !exists {
		return nil
	}
	return conn.writes
}

func (d *Double) Scan(ctx context.Context, duration time.Duration) (<-chan ble.ScanResult, error) {
	d.mu.Lock()
	results := append([]ble.ScanResult(nil), d.advertised...)
	d.mu.Unlock()

	out := make(chan ble.ScanResult, len(results))
	for _, r := range results {
		out <- r
	}
	close(out)
	return out, nil
}

var _ ble.Adapter = (*Double)(nil)
