// Package reconnect drives the per-device reconnection loop: exponential
// backoff with jitter, bounded attempts, and cancellation on device
// removal, operator disconnect, or a connection succeeding through some
// other path.
package reconnect

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
)

// DefaultMaxAttempts is the number of reconnect attempts before a device
// is left in Error awaiting operator intervention.
const DefaultMaxAttempts = 10

// DefaultInitialDelay is the delay before the first retry.
const DefaultInitialDelay = 1 * time.Second

// DefaultMaxDelay caps the backoff regardless of attempt count.
const DefaultMaxDelay = 300 * time.Second

// DefaultMultiplier is the exponential backoff growth factor.
const DefaultMultiplier = 2.0

// DefaultJitterFactor is the fraction of the computed delay randomized in
// either direction to avoid thundering-herd reconnects.
const DefaultJitterFactor = 0.1

// Config tunes the backoff sequence.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		JitterFactor: DefaultJitterFactor,
	}
}

func (c Config) delayFor(attempt int, rnd *rand.Rand) time.Duration {
	raw := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if raw > float64(c.MaxDelay) {
		raw = float64(c.MaxDelay)
	}

	jitterSpan := raw * c.JitterFactor
	jitter := (rnd.Float64()*2 - 1) * jitterSpan
	delay := raw + jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ConnectFunc attempts one connection for address. A nil return means the
// attempt succeeded.
type ConnectFunc func(ctx context.Context, address battery.Address) error

// ResubscribeFunc re-installs notification subscriptions after a
// successful reconnect.
type ResubscribeFunc func(ctx context.Context, address battery.Address) error

// Outcome is reported to Controller.OnOutcome when a reconnection loop
// ends, successfully or not.
type Outcome struct {
	Address  battery.Address
	Attempts int
	Err      error // nil on success
}

type loopHandle struct {
	cancel context.CancelFunc
	gen    uint64
}

// Controller runs one reconnection loop per device, each cancellable
// independently.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	loops   map[battery.Address]loopHandle
	nextGen uint64
	rnd     *rand.Rand

	// OnOutcome, if set, is invoked from the loop's goroutine when a
	// reconnection attempt sequence finishes.
	OnOutcome func(Outcome)
}

// New creates a Controller. seed fixes the jitter source for deterministic
// tests; production callers should pass a value derived from time.Now
// once, at startup.
func New(cfg Config, seed int64) *Controller {
	return &Controller{
		cfg:   cfg,
		loops: make(map[battery.Address]loopHandle),
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

// Start launches a reconnection loop for address, cancelling any loop
// already running for that address. The loop calls connect repeatedly
// with exponential backoff and jitter until it succeeds, exhausts
// MaxAttempts, or is cancelled. On success it calls resubscribe before
// reporting the outcome.
func (c *Controller) Start(ctx context.Context, address battery.Address, connect ConnectFunc, resubscribe ResubscribeFunc) {
	c.Cancel(address)

	loopCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextGen++
	gen := c.nextGen
	c.loops[address] = loopHandle{cancel: cancel, gen: gen}
	c.mu.Unlock()

	go c.run(loopCtx, address, gen, connect, resubscribe)
}

func (c *Controller) run(ctx context.Context, address battery.Address, gen uint64, connect ConnectFunc, resubscribe ResubscribeFunc) {
	defer c.clearGen(address, gen)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.mu.Lock()
			delay := c.cfg.delayFor(attempt-1, c.rnd)
			c.mu.Unlock()

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				c.report(Outcome{Address: address, Attempts: attempt - 1, Err: ctx.Err()})
				return
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			c.report(Outcome{Address: address, Attempts: attempt - 1, Err: ctx.Err()})
			return
		default:
		}

		err := connect(ctx, address)
		if err == nil {
			if resubscribe != nil {
				err = resubscribe(ctx, address)
			}
			if err == nil {
				c.report(Outcome{Address: address, Attempts: attempt})
				return
			}
		}
		lastErr = err
	}

	c.report(Outcome{Address: address, Attempts: c.cfg.MaxAttempts, Err: lastErr})
}

func (c *Controller) report(o Outcome) {
	if c.OnOutcome != nil {
		c.OnOutcome(o)
	}
}

// Cancel stops an in-flight reconnection loop for address, if any. Used
// when a device is removed, an operator disconnects it, or it connects
// through some other path while a reconnect loop is pending.
func (c *Controller) Cancel(address battery.Address) {
	c.mu.Lock()
	handle, ok := c.loops[address]
	if ok {
		delete(c.loops, address)
	}
	c.mu.Unlock()

	if ok {
		handle.cancel()
	}
}

// clearGen removes the loop entry for address only if it still belongs to
// generation gen, so a stale loop's defer cannot clobber a newer one
// started after Cancel/Start raced it.
func (c *Controller) clearGen(address battery.Address, gen uint64) {
	c.mu.Lock()
	if handle, ok := c.loops[address]; ok && handle.gen == gen {
		delete(c.loops, address)
	}
	c.mu.Unlock()
}

// Active reports whether a reconnection loop is currently running for
// address.
func (c *Controller) Active(address battery.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.loops[address]
	return ok
}
