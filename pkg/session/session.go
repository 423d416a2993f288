// Package session binds one protocol family codec and one device address
// to the connection pool, serializing requests and tracking consecutive
// command failures so a misbehaving link can be forced to reconnect.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/blepool"
	"github.com/batteryhawk/core/pkg/parser"
	"github.com/google/uuid"
)

// frameAssembler is implemented by codecs whose notification payloads may
// arrive split across more than one transport read. A Session uses it to
// accumulate raw bytes into complete frames before handing them to
// ParseNotification.
type frameAssembler interface {
	NewFrameBuffer() *parser.Buffer
}

// DefaultCommandTimeout is the time a request waits for a matching
// notification before failing with battery.CommandTimeout.
const DefaultCommandTimeout = 5 * time.Second

// DefaultFailureThreshold is the number of consecutive failed requests
// (write errors or command timeouts) that trigger a forced reconnect.
const DefaultFailureThreshold = 3

// Config tunes a Session's request handling.
type Config struct {
	CommandTimeout   time.Duration
	FailureThreshold int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   DefaultCommandTimeout,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// Session is the single point of contact between the orchestrator and one
// device's traffic: it owns the request/response round trip and reports
// readings and forced-reconnect demands through its callbacks.
type Session struct {
	address battery.Address
	codec   battery.ProtocolFamilyCodec
	pool    *blepool.Pool
	cfg     Config

	writeCharUUID  string
	notifyCharUUID string

	log *slog.Logger

	// frameBuf accumulates raw notification bytes into complete frames
	// when the codec requires it (nil for codecs whose notifications
	// always arrive as one complete block).
	frameBuf *parser.Buffer

	reqMu sync.Mutex // serializes the request/response round trip

	mu               sync.Mutex
	waiter           chan battery.Reading
	closed           bool
	consecutiveFails int

	// OnReading is invoked for every notification successfully parsed
	// while the session is open, including unsolicited ones. Never
	// invoked after Close begins (S6: a reading that arrives mid-teardown
	// is parsed but not delivered).
	OnReading func(battery.Reading)

	// OnForcedReconnect is invoked once the consecutive-failure counter
	// (write errors and command timeouts) reaches cfg.FailureThreshold.
	OnForcedReconnect func(battery.Address)
}

// New creates a Session for address, using codec's characteristic UUIDs
// against pool.
func New(pool *blepool.Pool, address battery.Address, codec battery.ProtocolFamilyCodec, cfg Config) *Session {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	writeUUID, notifyUUID := codec.CharacteristicUUIDs()

	s := &Session{
		address:        address,
		codec:          codec,
		pool:           pool,
		cfg:            cfg,
		writeCharUUID:  writeUUID,
		notifyCharUUID: notifyUUID,
		log:            slog.Default(),
	}
	if assembler, ok := codec.(frameAssembler); ok {
		s.frameBuf = assembler.NewFrameBuffer()
	}
	return s
}

// SetLogger overrides the session's logger, e.g. with one carrying the
// device address as a standing field.
func (s *Session) SetLogger(log *slog.Logger) {
	s.log = log
}

// Open connects (or reuses a pooled connection for) the device and
// subscribes to its notify characteristic.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	if _, err := s.pool.GetOrConnect(ctx, s.address, s.writeCharUUID, s.notifyCharUUID); err != nil {
		return fmt.Errorf("session %s: open: %w", s.address, err)
	}
	if err := s.pool.StartNotify(s.address, s.handleNotification); err != nil {
		return fmt.Errorf("session %s: subscribe: %w", s.address, err)
	}
	return nil
}

// Close unsubscribes, then disconnects. Readings parsed after Close begins
// are never delivered to OnReading.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	_ = s.pool.StopNotify(s.address)
	return s.pool.Disconnect(s.address)
}

// RequestVoltageTempSoC issues a voltage/temperature/state-of-charge
// request and waits for the matching reading.
func (s *Session) RequestVoltageTempSoC(ctx context.Context) (*battery.Reading, error) {
	return s.request(ctx, battery.CommandVoltageTempSoC)
}

// RequestBasicInfo issues a basic-info request and waits for the matching
// reading.
func (s *Session) RequestBasicInfo(ctx context.Context) (*battery.Reading, error) {
	return s.request(ctx, battery.CommandBasicInfo)
}

// RequestCellVoltages issues a cell-voltages request and waits for the
// matching reading.
func (s *Session) RequestCellVoltages(ctx context.Context) (*battery.Reading, error) {
	return s.request(ctx, battery.CommandCellVoltages)
}

func (s *Session) request(ctx context.Context, cmd battery.Command) (*battery.Reading, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	requestID := uuid.New().String()
	log := s.log.With("device", s.address, "command", cmd.String(), "request_id", requestID)

	payload, err := s.codec.BuildRequest(cmd)
	if err != nil {
		return nil, fmt.Errorf("session %s: build request %s: %w", s.address, cmd, err)
	}

	respCh := make(chan battery.Reading, 1)
	s.mu.Lock()
	s.waiter = respCh
	s.mu.Unlock()

	if err := s.pool.WriteChar(ctx, s.address, payload); err != nil {
		s.clearWaiter()
		s.recordFailure()
		log.Warn("request write failed", "error", err)
		return nil, fmt.Errorf("session %s: write %s: %w", s.address, cmd, err)
	}

	timer := time.NewTimer(s.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case reading := <-respCh:
		s.recordSuccess()
		log.Debug("request completed")
		return &reading, nil
	case <-timer.C:
		s.clearWaiter()
		s.recordFailure()
		log.Warn("request timed out")
		return nil, fmt.Errorf("session %s: %s: %w", s.address, cmd, battery.CommandTimeout)
	case <-ctx.Done():
		s.clearWaiter()
		return nil, ctx.Err()
	}
}

func (s *Session) clearWaiter() {
	s.mu.Lock()
	s.waiter = nil
	s.mu.Unlock()
}

func (s *Session) recordSuccess() {
	s.mu.Lock()
	s.consecutiveFails = 0
	s.mu.Unlock()
}

func (s *Session) recordFailure() {
	s.mu.Lock()
	s.consecutiveFails++
	trip := s.consecutiveFails >= s.cfg.FailureThreshold
	if trip {
		s.consecutiveFails = 0
	}
	s.mu.Unlock()

	if trip && s.OnForcedReconnect != nil {
		s.OnForcedReconnect(s.address)
	}
}

// handleNotification is registered with the pool as the notify
// characteristic's handler. If the codec requires frame assembly, it first
// feeds data through the session's buffer and decodes every complete frame
// extracted; otherwise it decodes data directly. Framing or parse errors
// are logged with the raw bytes (hex-encoded) and the notification is
// discarded.
func (s *Session) handleNotification(address battery.Address, data []byte) {
	if s.frameBuf == nil {
		s.decodeFrame(address, data)
		return
	}

	if err := s.frameBuf.Write(data); err != nil {
		s.log.Warn("notification buffer overflow, resetting", "device", address, "data", hex.EncodeToString(data), "error", err)
		s.frameBuf.Reset()
		return
	}

	frames, err := s.frameBuf.ParseAll()
	for _, frame := range frames {
		s.decodeFrame(address, frame)
	}
	if err != nil && err != parser.ErrIncompletePacket {
		s.log.Warn("frame parse error", "device", address, "data", hex.EncodeToString(data), "error", err)
	}
}

// decodeFrame parses one complete frame with the session's codec, resolves
// any pending request waiting on it, and fans the reading out to OnReading
// unless the session has begun closing.
func (s *Session) decodeFrame(address battery.Address, data []byte) {
	reading, err := s.codec.ParseNotification(address, data)
	if err != nil {
		s.log.Warn("notification parse error", "device", address, "data", hex.EncodeToString(data), "error", err)
		return
	}

	s.mu.Lock()
	closed := s.closed
	waiter := s.waiter
	s.waiter = nil
	s.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- *reading:
		default:
		}
	}

	if closed {
		return
	}

	if s.OnReading != nil {
		s.OnReading(*reading)
	}
}

// ConsecutiveFailures reports the current consecutive-failure count, for
// diagnostics.
func (s *Session) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFails
}
