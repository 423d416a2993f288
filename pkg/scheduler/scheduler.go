// Package scheduler drives independent per-device polling cadences against
// a shared connection-cap admission channel, skipping or cancelling cycles
// under back-pressure rather than queuing them indefinitely, and giving
// discovery scans exclusive access to the adapter for their duration.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
)

// DefaultDiscoveryInterval is the default periodic discovery cadence.
const DefaultDiscoveryInterval = 12 * time.Hour

// jitterFactor is the uniform ± fraction of a device's polling period
// applied once, at registration.
const jitterFactor = 0.10

// EventType distinguishes the two non-success outcomes a polling cycle can
// report.
type EventType int

const (
	// PollSkipped means admission would have blocked longer than the
	// device's polling period, so the cycle was dropped rather than
	// queued.
	PollSkipped EventType = iota
	// PollCancelled means a cycle was waiting for admission or in flight
	// when its context was cancelled (device removal, shutdown, pause).
	PollCancelled
)

func (e EventType) String() string {
	switch e {
	case PollSkipped:
		return "poll_skipped"
	case PollCancelled:
		return "poll_cancelled"
	default:
		return "unknown"
	}
}

// Event is published for every non-success polling cycle outcome.
type Event struct {
	Type      EventType
	Address   battery.Address
	Timestamp time.Time
}

// PollFunc performs one device's polling cycle (typically one or more
// session requests). Its error is only used to decide whether the cycle
// was cancelled partway through; the scheduler does not retry.
type PollFunc func(ctx context.Context) error

type driver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one goroutine per registered device plus the shared
// admission channel bounding concurrent polls to the connection cap.
type Scheduler struct {
	admission chan struct{}

	// gateMu gives discovery scans exclusive adapter access: pollers hold
	// a read lock for the span of one admission+poll attempt; a discovery
	// scan takes the write lock, which blocks until every in-flight
	// attempt has released its read lock (drained) and prevents new ones
	// from starting until the scan finishes.
	gateMu sync.RWMutex

	mu      sync.Mutex
	devices map[battery.Address]*driver

	// OnEvent, if set, receives every PollSkipped/PollCancelled event.
	OnEvent func(Event)

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates a Scheduler whose admission channel holds at most cap
// concurrent polls — the same bound as the connection pool's cap, so a
// poll is never admitted without a connection slot available to back it.
// seed fixes the jitter source for deterministic tests.
func New(cap int, seed int64) *Scheduler {
	if cap <= 0 {
		cap = 1
	}
	return &Scheduler{
		admission: make(chan struct{}, cap),
		devices:   make(map[battery.Address]*driver),
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

func (s *Scheduler) jitter(interval time.Duration) time.Duration {
	s.rndMu.Lock()
	span := float64(interval) * jitterFactor
	delta := (s.rnd.Float64()*2 - 1) * span
	s.rndMu.Unlock()

	jittered := time.Duration(float64(interval) + delta)
	if jittered <= 0 {
		jittered = interval
	}
	return jittered
}

// RegisterDevice starts a per-device driver goroutine polling at the given
// base interval, jittered by up to 10% at registration. Registering an
// address already registered replaces its driver.
func (s *Scheduler) RegisterDevice(ctx context.Context, address battery.Address, interval time.Duration, poll PollFunc) {
	s.UnregisterDevice(address)

	driverCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.devices[address] = &driver{cancel: cancel, done: done}
	s.mu.Unlock()

	jittered := s.jitter(interval)
	go s.run(driverCtx, done, address, interval, jittered, poll)
}

// UnregisterDevice stops address's driver, if any, cancelling any
// in-flight poll (reported as PollCancelled) and waiting for the
// goroutine to exit.
func (s *Scheduler) UnregisterDevice(address battery.Address) {
	s.mu.Lock()
	d, ok := s.devices[address]
	if ok {
		delete(s.devices, address)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	d.cancel()
	<-d.done
}

// Stop cancels every registered device's driver and waits for all of them
// to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	addresses := make([]battery.Address, 0, len(s.devices))
	for addr := range s.devices {
		addresses = append(addresses, addr)
	}
	s.mu.Unlock()

	for _, addr := range addresses {
		s.UnregisterDevice(addr)
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}, address battery.Address, period, jittered time.Duration, poll PollFunc) {
	defer close(done)

	ticker := time.NewTicker(jittered)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.attempt(ctx, address, period, poll)
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, address battery.Address, period time.Duration, poll PollFunc) {
	s.gateMu.RLock()
	defer s.gateMu.RUnlock()

	admitCtx, cancel := context.WithTimeout(ctx, period)
	defer cancel()

	select {
	case s.admission <- struct{}{}:
	case <-ctx.Done():
		s.emit(PollCancelled, address)
		return
	case <-admitCtx.Done():
		s.emit(PollSkipped, address)
		return
	}
	defer func() { <-s.admission }()

	if err := poll(ctx); err != nil && ctx.Err() != nil {
		s.emit(PollCancelled, address)
	}
}

func (s *Scheduler) emit(eventType EventType, address battery.Address) {
	if s.OnEvent == nil {
		return
	}
	s.OnEvent(Event{Type: eventType, Address: address, Timestamp: time.Now().UTC()})
}

// PauseForDiscovery blocks new poll admissions and waits for every
// in-flight poll to finish (drain), runs scan, then resumes admissions.
// Discovery scans require exclusive adapter access, so no poll may be
// admitted while scan is running.
func (s *Scheduler) PauseForDiscovery(scan func()) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	scan()
}
