// Package events provides an in-process event bus for decoupled communication.
package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Type represents the type of event.
type Type string

// Event types.
const (
	// SystemStarted indicates the daemon has started.
	SystemStarted Type = "system.started"

	// MigrationStarted indicates a storage migration has started.
	MigrationStarted Type = "migration.started"
	// MigrationFinished indicates a storage migration reached a result.
	MigrationFinished Type = "migration.finished"

	// FormListSynced indicates a form list synchronization pass completed.
	FormListSynced Type = "formlist.synced"
	// FormListSyncFailed indicates a form list synchronization pass failed.
	FormListSyncFailed Type = "formlist.failed"
	// FormDownloaded indicates a form was installed or refreshed.
	FormDownloaded Type = "form.downloaded"
	// FormDownloadFailed indicates a single form download failed.
	FormDownloadFailed Type = "form.download.failed"
	// FormDeleted indicates a form absent from the server was removed locally.
	FormDeleted Type = "form.deleted"

	// InstanceSubmitted indicates an instance was sent to the server.
	InstanceSubmitted Type = "instance.submitted"
	// InstanceSubmissionFailed indicates sending an instance failed.
	InstanceSubmissionFailed Type = "instance.submission.failed"
)

// Event represents an event in the system.
// Subject is the primary entity the event is about, or nil.
// Data contains additional event-specific information.
type Event struct {
	ID        ulid.ULID      `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   any            `json:"-"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a channel that receives events.
type Subscription <-chan Event

// Default buffer size for subscriber channels.
const defaultBufferSize = 100

type subscriber struct {
	ch    chan Event
	types map[Type]struct{} // empty means every type
}

func (s *subscriber) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans published events out to subscribers. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Bus struct {
	logger     zerolog.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[Subscription]*subscriber
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithBufferSize sets the channel buffer size for new subscribers.
func WithBufferSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     zerolog.Nop(),
		bufferSize: defaultBufferSize,
		subs:       make(map[Subscription]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a subscription receiving the given event types, or every
// event when no types are given. Subscribing to a closed bus returns a
// closed channel.
func (b *Bus) Subscribe(types ...Type) Subscription {
	s := &subscriber{
		ch:    make(chan Event, b.bufferSize),
		types: make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe closes the subscription's channel. Unknown subscriptions are
// ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(s.ch)
	}
}

// Publish stamps the event with an id and timestamp when unset and delivers
// it to every matching subscriber.
func (b *Bus) Publish(event Event) {
	if event.ID.IsZero() {
		event.ID = ulid.Make()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
			delivered++
		default:
			b.logger.Warn().
				Str("type", string(event.Type)).
				Str("event_id", event.ID.String()).
				Msg("subscriber buffer full, event dropped")
		}
	}

	b.logger.Debug().
		Str("type", string(event.Type)).
		Int("delivered", delivered).
		Msg("event published")
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for key, s := range b.subs {
		close(s.ch)
		delete(b.subs, key)
	}
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
