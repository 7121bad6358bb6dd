// Package events broadcasts cluster-wide notifications (new snapshots,
// version deltas, compaction group changes) from the version manager to
// whatever subscribes to it.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/hummock/pkg/types"
)

// EventType identifies the kind of notification carried by an Event.
type EventType string

const (
	EventSnapshotAdvanced   EventType = "snapshot.advanced"
	EventVersionDelta       EventType = "version.delta"
	EventCompactionGroupNew EventType = "compaction_group.created"
	EventCompactorJoined    EventType = "compactor.joined"
	EventCompactorLeft      EventType = "compactor.left"
)

// Event is one notification published by the version manager.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Snapshot  *types.HummockSnapshot
	Delta     *types.VersionDelta
	GroupID   types.GroupID
	ContextID types.ContextID
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to every current subscriber. Publish
// never blocks on a slow subscriber: each subscriber has a bounded
// buffer and a full buffer simply drops the event, since subscribers are
// expected to re-sync via GetCurrentVersion rather than rely on never
// missing a delta.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new, unstarted event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker's distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues event for distribution to every current subscriber.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = types.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
