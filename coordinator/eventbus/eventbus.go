// Package eventbus is an in-process publish/subscribe bus feeding the
// server-sent event streams. Publishers never block: each subscriber owns
// a bounded queue and overflow drops the oldest pending event.
package eventbus

import (
	"sync"

	"github.com/edgemesh/coordinator/observability"
)

const defaultQueueSize = 64

// Topic names the two channels the bus carries.
type Topic string

const (
	TopicNodeUpdate Topic = "node_update"
	TopicJobUpdate  Topic = "job_update"
)

// Event is one notification delivered to a subscriber. ID is the node_id
// or job_id depending on Topic; DropCount is non-zero when one or more
// earlier events for this subscriber were discarded to make room.
type Event struct {
	Topic     Topic
	ID        string
	DropCount uint64
}

// Subscription is a single subscriber's bounded mailbox.
type Subscription struct {
	topic  Topic
	ch     chan Event
	bus    *Bus
	mu     sync.Mutex
	drops  uint64
	closed bool
}

// Events returns the channel to range over; it is closed when the
// subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the process-wide hub. The zero value is not usable; use New.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic]map[*Subscription]struct{}
	size int
}

// New creates a Bus with the given per-subscriber queue capacity. A
// non-positive size falls back to the default of 64.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		subs: map[Topic]map[*Subscription]struct{}{
			TopicNodeUpdate: {},
			TopicJobUpdate:  {},
		},
		size: queueSize,
	}
}

// Subscribe registers a new subscriber on topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, b.size),
		bus:   b,
	}
	b.mu.Lock()
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.topic][sub]; !ok {
		return
	}
	delete(b.subs[sub.topic], sub)
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Publish fans id out to every current subscriber of topic. It never
// blocks: a full subscriber queue has its oldest entry dropped to make
// room, and the replacement event carries the running drop count.
func (b *Bus) Publish(topic Topic, id string) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub, Event{Topic: topic, ID: id})
	}
}

func deliver(sub *Subscription, evt Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		// Queue full: drop the oldest pending event and retry.
		select {
		case <-sub.ch:
			sub.drops++
			evt.DropCount = sub.drops
			observability.EventBusDrops.WithLabelValues(string(evt.Topic)).Inc()
		default:
			return
		}
	}
}
