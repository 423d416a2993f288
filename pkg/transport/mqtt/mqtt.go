// Package mqtt implements the MQTT resilience client: a publisher, called
// by the orchestrator in pkg/core (it does not subscribe to the event bus
// itself), that sends device readings, statuses, vehicle summaries, and
// discovery/system events to an external broker, queuing while
// disconnected and reconnecting with backoff.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrFailed is returned by Publish once the client has reached the
// terminal FAILED state.
var ErrFailed = errors.New("mqtt: client failed, needs operator re-enable")

// Config tunes the resilience client. Field names mirror spec §6's
// mqtt.* keys.
type Config struct {
	Broker               string
	Port                 int
	Username             string
	Password             string
	TopicPrefix          string
	MaxRetries           int
	InitialRetryDelay    time.Duration
	MaxRetryDelay        time.Duration
	BackoffMultiplier    float64
	JitterFactor         float64
	ConnectionTimeout    time.Duration
	HealthCheckInterval  time.Duration
	MessageQueueSize     int
	MessageRetryLimit    int
	TLS                  *tls.Config
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Port:                1883,
		TopicPrefix:         "batteryhawk",
		MaxRetries:          3,
		InitialRetryDelay:   time.Second,
		MaxRetryDelay:       60 * time.Second,
		BackoffMultiplier:   2,
		JitterFactor:        0.1,
		ConnectionTimeout:   10 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		MessageQueueSize:    1000,
		MessageRetryLimit:   3,
	}
}

// TopicKind names the five retained-ness/QoS-distinct topic shapes the
// client publishes.
type TopicKind string

const (
	TopicDeviceReading   TopicKind = "device_reading"
	TopicDeviceStatus    TopicKind = "device_status"
	TopicVehicleSummary  TopicKind = "vehicle_summary"
	TopicSystemStatus    TopicKind = "system_status"
	TopicDiscoveryFound  TopicKind = "discovery_found"
)

type topicSpec struct {
	qos    byte
	retain bool
}

var topicSpecs = map[TopicKind]topicSpec{
	TopicDeviceReading:  {qos: 1, retain: false},
	TopicDeviceStatus:   {qos: 1, retain: true},
	TopicVehicleSummary: {qos: 1, retain: true},
	TopicSystemStatus:   {qos: 2, retain: true},
	TopicDiscoveryFound: {qos: 1, retain: false},
}

// DeviceReadingTopic builds the topic string for a device reading.
func (c Config) DeviceReadingTopic(address string) string {
	return fmt.Sprintf("%s/device/%s/reading", c.TopicPrefix, address)
}

// DeviceStatusTopic builds the topic string for a device status.
func (c Config) DeviceStatusTopic(address string) string {
	return fmt.Sprintf("%s/device/%s/status", c.TopicPrefix, address)
}

// VehicleSummaryTopic builds the topic string for a vehicle summary.
func (c Config) VehicleSummaryTopic(vehicleID string) string {
	return fmt.Sprintf("%s/vehicle/%s/summary", c.TopicPrefix, vehicleID)
}

// SystemStatusTopic builds the system status topic string.
func (c Config) SystemStatusTopic() string {
	return fmt.Sprintf("%s/system/status", c.TopicPrefix)
}

// DiscoveryFoundTopic builds the discovery-found topic string.
func (c Config) DiscoveryFoundTopic() string {
	return fmt.Sprintf("%s/discovery/found", c.TopicPrefix)
}

type queuedMessage struct {
	kind    TopicKind
	topic   string
	payload []byte
	retries int
}

// Stats is the point-in-time snapshot of the client's resilience
// bookkeeping.
type Stats struct {
	State               State
	TotalConnections     int
	TotalReconnections   int
	MessagesPublished    uint64
	MessagesQueued       int
	MessagesFailed       uint64
	ConsecutiveFailures  int
	QueueSize            int
	LastAttempt          time.Time
}

// Client is the MQTT resilience client. Grounded on the teacher's
// pkg/transport/mqtt/mqtt.go paho wiring (TLS config, connect/
// disconnect handlers), generalized from a single-topic pass-through
// transport into a multi-topic publisher with its own bounded queue and
// reconnect loop independent of the BLE reconnection controller.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu                  sync.Mutex
	client              mqtt.Client
	state               State
	queue               []queuedMessage
	totalConnections    int
	totalReconnections  int
	messagesPublished   uint64
	messagesFailed      uint64
	consecutiveFailures int
	lastAttempt         time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand

	stopHealth chan struct{}
	healthDone chan struct{}
	stopDrain  chan struct{}
	drainDone  chan struct{}
}

// New creates a disconnected Client. Call Connect to start it.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		state:  StateDisconnected,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) delayFor(attempt int) time.Duration {
	base := float64(c.cfg.InitialRetryDelay) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt))
	capped := math.Min(base, float64(c.cfg.MaxRetryDelay))

	c.rndMu.Lock()
	span := capped * c.cfg.JitterFactor
	delta := (c.rnd.Float64()*2 - 1) * span
	c.rndMu.Unlock()

	d := time.Duration(capped + delta)
	if d < 0 {
		d = 0
	}
	return d
}

// Connect establishes the broker connection and starts the background
// drain and health-check workers. Safe to call once per Client.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Broker, c.cfg.Port))
	opts.SetClientID(fmt.Sprintf("batteryhawk-%d", time.Now().UnixNano()))
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetConnectTimeout(c.cfg.ConnectionTimeout)
	opts.SetAutoReconnect(false) // the client drives its own reconnect loop
	if c.cfg.TLS != nil {
		opts.SetTLSConfig(c.cfg.TLS)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.mu.Lock()
		c.state = StateConnected
		c.totalConnections++
		c.consecutiveFailures = 0
		c.mu.Unlock()
		c.logger.Info("mqtt connected", "broker", c.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		if c.state != StateFailed {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
		c.logger.Warn("mqtt connection lost", "error", err)
		go c.reconnectLoop()
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	ok := token.WaitTimeout(c.cfg.ConnectionTimeout)

	c.mu.Lock()
	c.client = client
	c.lastAttempt = time.Now().UTC()
	if !ok || token.Error() != nil {
		c.consecutiveFailures++
		c.state = StateReconnecting
		c.mu.Unlock()
		go c.reconnectLoop()
	} else {
		c.state = StateConnected
		c.totalConnections++
		c.mu.Unlock()
	}

	c.stopDrain = make(chan struct{})
	c.drainDone = make(chan struct{})
	go c.drainLoop()

	c.stopHealth = make(chan struct{})
	c.healthDone = make(chan struct{})
	go c.healthLoop()

	return nil
}

func (c *Client) reconnectLoop() {
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		c.mu.Lock()
		if c.state == StateConnected || c.state == StateFailed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(c.delayFor(attempt))

		token := c.client.Connect()
		ok := token.WaitTimeout(c.cfg.ConnectionTimeout)

		c.mu.Lock()
		c.lastAttempt = time.Now().UTC()
		if ok && token.Error() == nil {
			c.state = StateConnected
			c.totalConnections++
			c.totalReconnections++
			c.consecutiveFailures = 0
			c.mu.Unlock()
			return
		}
		c.consecutiveFailures++
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
	c.logger.Error("mqtt client failed, needs operator re-enable")
}

// Reenable clears the FAILED state and restarts the reconnect loop. Spec
// requires FAILED to stay terminal until an operator calls this.
func (c *Client) Reenable() {
	c.mu.Lock()
	if c.state != StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.mu.Unlock()
	go c.reconnectLoop()
}

// Publish enqueues a payload for kind; the drain worker publishes queued
// payloads in order whenever the client is connected. Returns ErrFailed
// if the client is in the terminal FAILED state.
func (c *Client) Publish(kind TopicKind, topic string, payload []byte) error {
	c.mu.Lock()
	if c.state == StateFailed {
		c.mu.Unlock()
		return ErrFailed
	}

	if len(c.queue) >= c.cfg.MessageQueueSize {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, queuedMessage{kind: kind, topic: topic, payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *Client) drainLoop() {
	defer close(c.drainDone)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopDrain:
			return
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

func (c *Client) drainOnce() {
	c.mu.Lock()
	if c.state != StateConnected || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	client := c.client
	c.mu.Unlock()

	spec := topicSpecs[msg.kind]
	token := client.Publish(msg.topic, spec.qos, spec.retain, msg.payload)
	ok := token.WaitTimeout(c.cfg.ConnectionTimeout)

	c.mu.Lock()
	if ok && token.Error() == nil {
		c.messagesPublished++
		c.mu.Unlock()
		return
	}

	msg.retries++
	if msg.retries >= c.cfg.MessageRetryLimit {
		c.messagesFailed++
		c.mu.Unlock()
		return
	}
	c.queue = append([]queuedMessage{msg}, c.queue...)
	c.mu.Unlock()
}

func (c *Client) healthLoop() {
	defer close(c.healthDone)
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealth:
			return
		case <-ticker.C:
			c.mu.Lock()
			healthy := c.state == StateConnected && c.client != nil && c.client.IsConnected()
			if !healthy && c.state == StateConnected {
				c.state = StateReconnecting
				c.mu.Unlock()
				go c.reconnectLoop()
				continue
			}
			c.mu.Unlock()
		}
	}
}

// Stats returns a point-in-time snapshot.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:               c.state,
		TotalConnections:    c.totalConnections,
		TotalReconnections:  c.totalReconnections,
		MessagesPublished:   c.messagesPublished,
		MessagesQueued:      len(c.queue),
		MessagesFailed:      c.messagesFailed,
		ConsecutiveFailures: c.consecutiveFailures,
		QueueSize:           len(c.queue),
		LastAttempt:         c.lastAttempt,
	}
}

// Close stops the background workers, publishes what is still queued while
// the broker link is up, and disconnects from the broker.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopDrain != nil {
		close(c.stopDrain)
	}
	if c.stopHealth != nil {
		close(c.stopHealth)
	}
	client := c.client
	c.mu.Unlock()

	if c.drainDone != nil {
		<-c.drainDone
	}
	if c.healthDone != nil {
		<-c.healthDone
	}

	// Each drainOnce call publishes the head message or, once its retry
	// budget is spent, drops it, so this loop ends.
	for {
		c.mu.Lock()
		pending := c.state == StateConnected && len(c.queue) > 0
		c.mu.Unlock()
		if !pending {
			break
		}
		c.drainOnce()
	}

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return nil
}
