package mqtt

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTopicBuildersMatchScheme(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopicPrefix = "bh"

	assert.Equal(t, "bh/device/AA:BB:CC:DD:EE:01/reading", cfg.DeviceReadingTopic("AA:BB:CC:DD:EE:01"))
	assert.Equal(t, "bh/device/AA:BB:CC:DD:EE:01/status", cfg.DeviceStatusTopic("AA:BB:CC:DD:EE:01"))
	assert.Equal(t, "bh/vehicle/v1/summary", cfg.VehicleSummaryTopic("v1"))
	assert.Equal(t, "bh/system/status", cfg.SystemStatusTopic())
	assert.Equal(t, "bh/discovery/found", cfg.DiscoveryFoundTopic())
}

func TestTopicSpecsMatchQoSAndRetainScheme(t *testing.T) {
	assert.Equal(t, topicSpec{qos: 1, retain: false}, topicSpecs[TopicDeviceReading])
	assert.Equal(t, topicSpec{qos: 1, retain: true}, topicSpecs[TopicDeviceStatus])
	assert.Equal(t, topicSpec{qos: 1, retain: true}, topicSpecs[TopicVehicleSummary])
	assert.Equal(t, topicSpec{qos: 2, retain: true}, topicSpecs[TopicSystemStatus])
	assert.Equal(t, topicSpec{qos: 1, retain: false}, topicSpecs[TopicDiscoveryFound])
}

func TestDelayForGrowsExponentiallyAndCapsAtMaxDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRetryDelay = time.Second
	cfg.MaxRetryDelay = 5 * time.Second
	cfg.BackoffMultiplier = 2
	cfg.JitterFactor = 0

	c := New(cfg, nil)
	c.rnd = rand.New(rand.NewSource(1))

	assert.Equal(t, time.Second, c.delayFor(0))
	assert.Equal(t, 2*time.Second, c.delayFor(1))
	assert.Equal(t, 4*time.Second, c.delayFor(2))
	assert.Equal(t, 5*time.Second, c.delayFor(3))
}

func TestPublishRejectsOnceFailed(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.state = StateFailed

	err := c.Publish(TopicSystemStatus, "bh/system/status", []byte("x"))
	assert.ErrorIs(t, err, ErrFailed)
}

func TestPublishQueueDropsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageQueueSize = 2
	c := New(cfg, nil)
	c.state = StateReconnecting

	require := assert.New(t)
	require.NoError(c.Publish(TopicDeviceReading, "t1", []byte("1")))
	require.NoError(c.Publish(TopicDeviceReading, "t2", []byte("2")))
	require.NoError(c.Publish(TopicDeviceReading, "t3", []byte("3")))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(c.queue, 2)
	require.Equal("t2", c.queue[0].topic)
	require.Equal("t3", c.queue[1].topic)
}

func TestStatsReflectsQueueDepthAndState(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.state = StateReconnecting
	_ = c.Publish(TopicDeviceStatus, "t", []byte("x"))

	stats := c.Stats()
	assert.Equal(t, StateReconnecting, stats.State)
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 1, stats.MessagesQueued)
}

func TestReenableIsNoOpWhenNotFailed(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.state = StateConnected

	c.Reenable()

	assert.Equal(t, StateConnected, c.Stats().State)
}
