package events

import (
	"sync"
	"time"
)

// EventType represents the type of event emitted by the lifecycle
// controller and scrubber.
type EventType string

const (
	// EventImageSend is emitted once per download, successful or not
	//.
	EventImageSend EventType = "image.send"

	EventImageQueued        EventType = "image.queued"
	EventImageSaving        EventType = "image.saving"
	EventImageActive        EventType = "image.active"
	EventImageKilled        EventType = "image.killed"
	EventImagePendingDelete EventType = "image.pending_delete"
	EventImageDeleted       EventType = "image.deleted"
)

// Event represents a lifecycle or delivery event. Send carries the
// image.send payload (bytes sent plus sender and receiver identity);
// it is nil for lifecycle transition events.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	ImageID   string
	Metadata  map[string]string
	Send      *SendInfo
}

// SendInfo is the payload of an EventImageSend event.
type SendInfo struct {
	BytesSent        int64
	ImageID          string
	OwnerID          string
	ReceiverTenantID string
	ReceiverUserID   string
	DestinationIP    string
	Error            bool
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
