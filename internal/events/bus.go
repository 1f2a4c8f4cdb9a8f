// Package events is a small topic-keyed event bus. Events for one browser
// target are published on that target's topic, so a subscriber only ever
// sees the target it asked for, and its lifetime is bounded by
// Subscription.Unsubscribe.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// TopicForeground carries an Event whose TargetID became the
	// foreground tab.
	TopicForeground = "browser.foreground"

	// TopicTargetClosed carries an Event whose TargetID was destroyed.
	TopicTargetClosed = "browser.target_closed"

	defaultBufferSize = 256
	emitTimeout       = 5 * time.Second
	handlerTimeout    = 10 * time.Second
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus closed")

// TargetTopic is the topic carrying low-level protocol events of one
// target.
func TargetTopic(targetID string) string {
	return fmt.Sprintf("target.%s", targetID)
}

// Event is one low-level automation event tagged with its source target.
type Event struct {
	TargetID string
	Name     string
	Params   any
}

// HandlerFunc receives events of a subscribed topic.
type HandlerFunc func(context.Context, Event) error

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler errors.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithBufferSize sets the pending event queue size.
func WithBufferSize(size int) Option {
	return func(b *Bus) { b.bufferSize = size }
}

type envelope struct {
	topic string
	event Event
}

// Bus delivers events from a single goroutine, so handlers for one bus
// are never invoked concurrently and see events in emit order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]HandlerFunc
	nextID uint64

	bufferSize int
	logger     *slog.Logger

	events   chan envelope
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewBus starts the delivery loop.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]map[uint64]HandlerFunc),
		bufferSize: defaultBufferSize,
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.events = make(chan envelope, b.bufferSize)

	b.wg.Add(1)
	go b.loop()
	return b
}

// Subscription is a live registration on one topic.
type Subscription struct {
	Topic string

	id   uint64
	bus  *Bus
	once sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if topicSubs, ok := s.bus.subs[s.Topic]; ok {
			delete(topicSubs, s.id)
			if len(topicSubs) == 0 {
				delete(s.bus.subs, s.Topic)
			}
		}
	})
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler HandlerFunc) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[uint64]HandlerFunc)
	}
	b.subs[topic][b.nextID] = handler
	return &Subscription{Topic: topic, id: b.nextID, bus: b}
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Emit queues evt for delivery on topic.
func (b *Bus) Emit(topic string, evt Event) error {
	select {
	case <-b.shutdown:
		return ErrClosed
	default:
	}

	select {
	case b.events <- envelope{topic: topic, event: evt}:
		return nil
	case <-b.shutdown:
		return ErrClosed
	case <-time.After(emitTimeout):
		return fmt.Errorf("emit %s on %s: queue full", evt.Name, topic)
	}
}

// Close stops the delivery loop. Queued events are dropped.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.shutdown)
		b.wg.Wait()
	})
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.shutdown:
			return
		case env := <-b.events:
			b.deliver(env)
		}
	}
}

func (b *Bus) deliver(env envelope) {
	b.mu.RLock()
	handlers := make([]HandlerFunc, 0, len(b.subs[env.topic]))
	for _, h := range b.subs[env.topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		if err := h(ctx, env.event); err != nil {
			b.logger.Debug("event handler error", "topic", env.topic, "event", env.event.Name, "error", err)
		}
		cancel()
	}
}
