// Package pubsub is the in-process notification bus: each topic holds an
// ordered subscriber list and a failing subscriber never affects the others.
package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
)

// Topic names published by the core.
const (
	TopicEventTracked      = "event_tracked"
	TopicProgressUpdated   = "progressUpdated"
	TopicStatsUpdated      = "statsUpdated"
	TopicStateChanged      = "stateChanged"
	TopicSessionStarted    = "session_started"
	TopicBatchFlushed      = "batch_flushed"
	TopicPersistenceFailed = "persistence_failed"

	// All subscribes to every topic.
	All = "*"
)

// Message is what subscribers receive.
type Message struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// Handler consumes a message. Returned errors and panics are logged.
type Handler func(Message) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans messages out to subscribers synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger *slog.Logger

	// OnFailure, when set, is called once per failed handler.
	OnFailure func(topic string, err error)
}

// New creates an empty Bus. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[string][]subscription), logger: logger}
}

// Subscribe appends h to topic's subscriber list and returns a function that
// removes it again.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			return
		}
	}
}

// Subscribers returns the number of handlers registered directly on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers payload to topic's subscribers and then to wildcard
// subscribers. It returns how many handlers failed.
func (b *Bus) Publish(topic string, payload interface{}) int {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[topic])+len(b.subs[All]))
	targets = append(targets, b.subs[topic]...)
	if topic != All {
		targets = append(targets, b.subs[All]...)
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	failed := 0
	for _, s := range targets {
		if err := b.deliver(s.handler, msg); err != nil {
			failed++
			b.logger.Warn("pubsub: subscriber failed", "topic", topic, "err", err)
			if b.OnFailure != nil {
				b.OnFailure(topic, err)
			}
		}
	}
	return failed
}

func (b *Bus) deliver(h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(msg)
}
