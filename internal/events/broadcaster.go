// Package events fans coordinator state changes out to subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/internal/metrics"
)

const (
	EventPolicy = "policy"
	EventLock   = "lock"
	EventAction = "action"
	EventSearch = "search"
	EventList   = "list"
)

// Event is one coordinator change. Only the fields relevant to Type are set.
type Event struct {
	Type string `json:"type"`

	// policy
	Busy    bool `json:"busy,omitempty"`
	Locked  bool `json:"locked,omitempty"`
	Overlay bool `json:"overlay,omitempty"`

	// lock
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`

	// action
	Kind    string `json:"kind,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`

	// search, list
	Shown int `json:"shown,omitempty"`
	Total int `json:"total,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
