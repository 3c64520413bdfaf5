package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSpaceChanged  = "space_changed"
	EventSpacesCreated = "spaces_created"
	EventSpaceDeleted  = "space_deleted"
	EventLotCreated    = "lot_created"
	EventLotChanged    = "lot_changed"
	EventLotDeleted    = "lot_deleted"
)

// ChangeTypes lists every event the store emits.
var ChangeTypes = []string{
	EventSpaceChanged,
	EventSpacesCreated,
	EventSpaceDeleted,
	EventLotCreated,
	EventLotChanged,
	EventLotDeleted,
}

// ChangePayload identifies what changed; consumers re-read the store for state.
type ChangePayload struct {
	LotID   string `json:"lot_id"`
	SpaceID string `json:"space_id,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
	// Source is empty for events raised in this process and names the
	// relay for events replayed from another instance.
	Source string
}

// DecodeChange unmarshals the payload of a change event.
func (e *Event) DecodeChange() (ChangePayload, error) {
	var p ChangePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscription
	wildcard    []subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns a func
// that removes it.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	return func() { b.remove(eventType, id) }
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: handler})
	return func() { b.remove("", id) }
}

func (b *EventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.wildcard
	if eventType != "" {
		list = b.subscribers[eventType]
	}
	out := list[:0:0]
	for _, s := range list {
		if s.id != id {
			out = append(out, s)
		}
	}
	if eventType == "" {
		b.wildcard = out
	} else {
		b.subscribers[eventType] = out
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.wildcard))
	for _, s := range b.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.wildcard {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously on the publisher's goroutine and must not block.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
