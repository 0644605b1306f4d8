// Package events publishes execution-context lifecycle events in process and
// appends them to a JSONL audit log.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventContextQueued    EventType = "context_queued"
	EventContextRunning   EventType = "context_running"
	EventContextCompleted EventType = "context_completed"
	EventContextFailed    EventType = "context_failed"
	EventContextCancelled EventType = "context_cancelled"
	// EventVerdictEmitted is published after the tracker receives a verdict.
	EventVerdictEmitted EventType = "verdict_emitted"
)

// AllEventTypes lists every event the engine publishes.
var AllEventTypes = []EventType{
	EventContextQueued,
	EventContextRunning,
	EventContextCompleted,
	EventContextFailed,
	EventContextCancelled,
	EventVerdictEmitted,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has its own
// buffered channel drained by one goroutine; when the buffer is full the
// event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewBus creates a bus with bufferSize slots per subscriber.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on the subscriber's goroutine; a panic in fn is logged and the
// subscription keeps running.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event_subscriber_panic", zap.String("event", string(event.Type)), zap.Any("panic", r))
		}
	}()
	fn(event)
}

// Publish sends an event to all subscribers of its type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("event_dropped", zap.String("event", string(eventType)))
		}
	}
}

// Close closes every subscription and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
