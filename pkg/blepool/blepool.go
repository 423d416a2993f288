// Package blepool implements the BLE connection pool: cap enforcement,
// pending-connection deduplication, and cleanup of stale links. It is the
// sole owner of live transport handles; protocol codecs and sessions only
// ever see a connected Handle through Pool.
package blepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/blepool/connstate"
	"github.com/batteryhawk/core/pkg/transport/ble"
)

// DefaultCap is the default concurrency cap on BLE connections (§4.E).
const DefaultCap = 1

// DefaultQueueBound is the default FIFO admission queue bound.
const DefaultQueueBound = 64

// DefaultConnectTimeout is the default per-connect timeout (§5).
const DefaultConnectTimeout = 30 * time.Second

// DefaultSweepInterval is how often the pool checks for stale handles.
const DefaultSweepInterval = 15 * time.Second

// Handle is an active connection: the subscription table and the time the
// link was established. It carries no transport internals — those live
// behind the Adapter.
type Handle struct {
	Address      battery.Address
	ConnectedAt  time.Time
	Subscribed   bool
}

// Stats summarizes pool occupancy for health reporting.
type Stats struct {
	Active  int
	Pending int
	Queued  int
	Cap     int
}

type pendingConnect struct {
	done chan struct{}
	err  error
}

// Config configures a Pool.
type Config struct {
	Cap            int
	QueueBound     int
	ConnectTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns the pool's documented defaults.
func DefaultConfig() Config {
	return Config{
		Cap:            DefaultCap,
		QueueBound:     DefaultQueueBound,
		ConnectTimeout: DefaultConnectTimeout,
		SweepInterval:  DefaultSweepInterval,
	}
}

// Pool owns the map of live connections, the set of addresses with
// in-flight connect attempts, and the concurrency semaphore. All mutation
// happens under a single mutex (§5 shared-resource policy).
type Pool struct {
	mu       sync.Mutex
	adapter  ble.Adapter
	states   *connstate.Machine
	cfg      Config
	handles  map[battery.Address]*Handle
	pending  map[battery.Address]*pendingConnect
	holders  map[battery.Address]bool // addresses currently occupying a semaphore slot
	slots    chan struct{}
	waiting  int

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a Pool driving the given adapter. The adapter is injected,
// never constructed by the pool, so a faketransport.Double can stand in
// for hardware in tests.
func New(adapter ble.Adapter, cfg Config) *Pool {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.QueueBound <= 0 {
		cfg.QueueBound = DefaultQueueBound
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	return &Pool{
		adapter: adapter,
		states:  connstate.New(),
		cfg:     cfg,
		handles: make(map[battery.Address]*Handle),
		pending: make(map[battery.Address]*pendingConnect),
		holders: make(map[battery.Address]bool),
		slots:   make(chan struct{}, cfg.Cap),
	}
}

// States exposes the underlying connection state machine for callers that
// need history or current-state lookups (e.g. the reconnection
// controller).
func (p *Pool) States() *connstate.Machine {
	return p.states
}

func (p *Pool) acquireSlot(ctx context.Context, address battery.Address) error {
	p.mu.Lock()
	if p.waiting >= p.cfg.QueueBound {
		p.mu.Unlock()
		return fmt.Errorf("%w: admission queue full for %s", battery.CapacityExceeded, address)
	}
	p.waiting++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	select {
	case p.slots <- struct{}{}:
		p.mu.Lock()
		p.holders[address] = true
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) releaseSlot(address battery.Address) {
	p.mu.Lock()
	held := p.holders[address]
	if held {
		delete(p.holders, address)
	}
	p.mu.Unlock()

	if held {
		<-p.slots
	}
}

// GetOrConnect returns an existing connected handle or creates one.
// Concurrent calls for the same address return the same handle; the
// second and later callers await the first attempt's result rather than
// opening a duplicate connection.
func (p *Pool) GetOrConnect(ctx context.Context, address battery.Address, writeCharUUID, notifyCharUUID string) (*Handle, error) {
	if address == "" {
		return nil, battery.TransportInvalidArgument
	}

	p.mu.Lock()
	if h, ok := p.handles[address]; ok {
		p.mu.Unlock()
		return h, nil
	}

	if existing, ok := p.pending[address]; ok {
		p.mu.Unlock()
		<-existing.done
		if existing.err != nil {
			return nil, existing.err
		}
		p.mu.Lock()
		h := p.handles[address]
		p.mu.Unlock()
		return h, nil
	}

	pc := &pendingConnect{done: make(chan struct{})}
	p.pending[address] = pc
	p.mu.Unlock()

	handle, err := p.connect(ctx, address, writeCharUUID, notifyCharUUID)

	p.mu.Lock()
	pc.err = err
	delete(p.pending, address)
	p.mu.Unlock()
	close(pc.done)

	return handle, err
}

func (p *Pool) connect(ctx context.Context, address battery.Address, writeCharUUID, notifyCharUUID string) (*Handle, error) {
	if err := p.states.Transition(address, connstate.Connecting, "get_or_connect"); err != nil {
		return nil, err
	}

	if err := p.acquireSlot(ctx, address); err != nil {
		_ = p.states.Transition(address, connstate.Error, err.Error())
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	if err := p.adapter.Connect(connectCtx, address, writeCharUUID, notifyCharUUID, p.cfg.ConnectTimeout); err != nil {
		_ = p.states.Transition(address, connstate.Error, err.Error())
		p.releaseSlot(address)
		return nil, fmt.Errorf("blepool: connect %s: %w", address, err)
	}

	if err := p.states.Transition(address, connstate.Connected, "transport connected"); err != nil {
		p.releaseSlot(address)
		return nil, err
	}

	handle := &Handle{Address: address, ConnectedAt: time.Now().UTC()}

	p.mu.Lock()
	p.handles[address] = handle
	p.mu.Unlock()

	return handle, nil
}

// WriteChar writes data to address's write characteristic, verifying a
// connected handle first.
func (p *Pool) WriteChar(ctx context.Context, address battery.Address, data []byte) error {
	p.mu.Lock()
	_, ok := p.handles[address]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("blepool: write %s: %w", address, battery.TransportInvalidArgument)
	}
	return p.adapter.Write(ctx, address, data)
}

// StartNotify enables notifications for address, verifying a connected
// handle first.
func (p *Pool) StartNotify(address battery.Address, handler ble.NotificationHandler) error {
	p.mu.Lock()
	h, ok := p.handles[address]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("blepool: subscribe %s: %w", address, battery.TransportInvalidArgument)
	}

	if err := p.adapter.Subscribe(address, handler); err != nil {
		return err
	}

	p.mu.Lock()
	h.Subscribed = true
	p.mu.Unlock()
	return nil
}

// StopNotify disables notifications for address. Idempotent.
func (p *Pool) StopNotify(address battery.Address) error {
	p.mu.Lock()
	h, ok := p.handles[address]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	err := p.adapter.Unsubscribe(address)

	p.mu.Lock()
	h.Subscribed = false
	p.mu.Unlock()
	return err
}

// Disconnect cancels notifications first, then drops the link. Idempotent.
func (p *Pool) Disconnect(address battery.Address) error {
	p.mu.Lock()
	_, ok := p.handles[address]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	_ = p.StopNotify(address)
	_ = p.states.Transition(address, connstate.Disconnecting, "operator disconnect")

	err := p.adapter.Disconnect(address)

	p.mu.Lock()
	delete(p.handles, address)
	p.mu.Unlock()

	_ = p.states.Transition(address, connstate.Disconnected, "link closed")
	p.releaseSlot(address)

	return err
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:  len(p.handles),
		Pending: len(p.pending),
		Queued:  p.waiting,
		Cap:     p.cfg.Cap,
	}
}

// Health returns the current connection state and subscription status for
// one device.
func (p *Pool) Health(address battery.Address) (connstate.State, bool) {
	p.mu.Lock()
	h, ok := p.handles[address]
	p.mu.Unlock()

	state := p.states.Current(address)
	if !ok {
		return state, false
	}
	return state, h.Subscribed
}

// StartSweep launches the background goroutine that periodically checks
// every handle the adapter reports as no longer connected and transitions
// it to Disconnected, freeing its slot for reuse and making it eligible
// for the reconnection controller.
func (p *Pool) StartSweep() {
	p.mu.Lock()
	if p.stopSweep != nil {
		p.mu.Unlock()
		return
	}
	p.stopSweep = make(chan struct{})
	p.sweepDone = make(chan struct{})
	stop := p.stopSweep
	done := p.sweepDone
	interval := p.cfg.SweepInterval
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.sweepOnce()
			case <-stop:
				return
			}
		}
	}()
}

func (p *Pool) sweepOnce() {
	p.mu.Lock()
	addresses := make([]battery.Address, 0, len(p.handles))
	for addr := range p.handles {
		addresses = append(addresses, addr)
	}
	p.mu.Unlock()

	for _, addr := range addresses {
		if p.adapter.IsConnected(addr) {
			continue
		}

		p.mu.Lock()
		delete(p.handles, addr)
		p.mu.Unlock()

		_ = p.states.Transition(addr, connstate.Disconnecting, "sweep: transport reports not connected")
		_ = p.states.Transition(addr, connstate.Disconnected, "sweep: transport reports not connected")
		p.releaseSlot(addr)
	}
}

// StopSweep stops the background sweep goroutine, if running.
func (p *Pool) StopSweep() {
	p.mu.Lock()
	stop := p.stopSweep
	done := p.sweepDone
	p.stopSweep = nil
	p.sweepDone = nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
