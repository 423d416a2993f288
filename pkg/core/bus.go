package core

import (
	"sync"
	"sync/atomic"

	"github.com/batteryhawk/core/pkg/battery"
)

// Topic names the seven channels the event bus carries.
type Topic string

const (
	TopicDeviceDiscovered Topic = "device.discovered"
	TopicDeviceReading    Topic = "device.reading"
	TopicDeviceStatus     Topic = "device.status"
	TopicDeviceConnection Topic = "device.connection"
	TopicVehicleAssociated Topic = "vehicle.associated"
	TopicVehicleSummary   Topic = "vehicle.summary"
	TopicSystemShutdown   Topic = "system.shutdown"
)

// DefaultQueueSize is the default bound on each subscriber's per-topic
// queue.
const DefaultQueueSize = 256

// DeviceDiscovered is published on TopicDeviceDiscovered.
type DeviceDiscovered struct {
	Address battery.Address
	Hints   map[string]string
}

// DeviceReading is published on TopicDeviceReading.
type DeviceReading struct {
	Address battery.Address
	Reading battery.Reading
}

// DeviceStatus is published on TopicDeviceStatus whenever a device's live
// connection/runtime status changes.
type DeviceStatus struct {
	Address battery.Address
	Runtime battery.RuntimeStatus
}

// DeviceConnection is published on TopicDeviceConnection.
type DeviceConnection struct {
	Address  battery.Address
	OldState string
	NewState string
}

// VehicleAssociated is published on TopicVehicleAssociated.
type VehicleAssociated struct {
	VehicleID string
	Address   battery.Address
}

// VehicleSummaryEvent is published on TopicVehicleSummary.
type VehicleSummaryEvent struct {
	VehicleID string
	Summary   battery.VehicleSummary
}

// subscriber is one topic's bounded, drop-oldest queue for one listener.
type subscriber struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []any
	capacity int
	closed   bool
	overflow uint64
}

func newSubscriber(capacity int) *subscriber {
	s := &subscriber{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) publish(event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		atomic.AddUint64(&s.overflow, 1)
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
}

// next blocks until an event is available or the subscriber is closed. The
// second return is false once closed with no remaining events.
func (s *subscriber) next() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	event := s.queue[0]
	s.queue = s.queue[1:]
	return event, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *subscriber) overflowCount() uint64 {
	return atomic.LoadUint64(&s.overflow)
}

// Subscription is a handle a caller uses to receive events for one topic
// and to unsubscribe.
type Subscription struct {
	bus   *Bus
	topic Topic
	sub   *subscriber
}

// Events returns a channel of events for this subscription, closed when
// Unsubscribe is called or the bus itself is closed.
func (s *Subscription) Events() <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for {
			event, ok := s.sub.next()
			if !ok {
				return
			}
			out <- event
		}
	}()
	return out
}

// Overflow reports how many events this subscription has dropped due to a
// full queue.
func (s *Subscription) Overflow() uint64 {
	return s.sub.overflowCount()
}

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.sub)
}

// Bus is the process-local typed publish/subscribe hub: independent
// bounded, drop-oldest queues per topic per subscriber, publish never
// blocks the producer. Grounded on the teacher's single `eventChan` +
// `dispatchEvents` fan-out, generalized from one shared channel into
// per-subscriber queues so a slow subscriber cannot stall others.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Topic][]*subscriber
	queueSize   int
	closed      bool
}

// NewBus creates a Bus whose subscriber queues hold at most queueSize
// events each.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subscribers: make(map[Topic][]*subscriber),
		queueSize:   queueSize,
	}
}

// Subscribe registers a new listener for topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := newSubscriber(b.queueSize)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	return &Subscription{bus: b, topic: topic, sub: sub}
}

func (b *Bus) unsubscribe(topic Topic, target *subscriber) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub == target {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	target.close()
}

// Publish fans event out to every subscriber of topic. Never blocks: a
// full subscriber queue drops its oldest entry.
func (b *Bus) Publish(topic Topic, event any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.publish(event)
	}
}

// Close closes every subscriber's queue. No further Publish calls deliver
// events. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*subscriber, 0)
	for _, subs := range b.subscribers {
		all = append(all, subs...)
	}
	b.subscribers = make(map[Topic][]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
