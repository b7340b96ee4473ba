package state

import (
	"sync"
)

// EventType represents the type of store change
type EventType int

const (
	EventContactsReplaced EventType = iota
	EventContactUpdated
	EventMessages
	EventChatTarget
	EventNotification
	EventLogin
	EventLogout
)

// EventMsg describes a store change. JID is set for per-contact changes.
type EventMsg struct {
	Type EventType
	JID  string
	Data interface{}
}

// EventHandler is a function that handles events
type EventHandler func(event EventMsg)

// subscriberBuffer bounds the events queued for a slow handler
const subscriberBuffer = 64

type subscription struct {
	eventType EventType
	ch        chan EventMsg
}

// EventBus delivers store changes to subscribers. Each subscriber has its
// own goroutine, so it sees events in publish order; Publish never blocks
// and drops events for a subscriber whose queue is full.
type EventBus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[int]*subscription),
	}
}

// Subscribe registers handler for eventType and returns a function that
// removes it.
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	sub := &subscription{eventType: eventType, ch: make(chan EventMsg, subscriberBuffer)}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for event := range sub.ch {
			handler(event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish publishes an event to all subscribers of its type
func (b *EventBus) Publish(event EventMsg) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.eventType != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}
