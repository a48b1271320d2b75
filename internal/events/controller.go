package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Entry is a recorded event with a human-readable message.
type Entry struct {
	ID        ulid.ULID      `json:"id"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Default number of entries kept by the controller.
const defaultHistorySize = 200

// Controller records events from the bus into a bounded history.
//
// The Controller is responsible for:
// - Subscribing to all events on the bus
// - Keeping the most recent events in memory
// - Generating human-readable messages for events.
type Controller struct {
	eventBus *Bus
	logger   zerolog.Logger
	size     int

	mu      sync.RWMutex
	history []Entry

	subscription Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ControllerOption is a functional option for configuring the Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger for the controller.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithHistorySize sets how many entries are kept.
func WithHistorySize(size int) ControllerOption {
	return func(c *Controller) {
		c.size = size
	}
}

// NewController creates a new events Controller.
func NewController(eventBus *Bus, opts ...ControllerOption) *Controller {
	c := &Controller{
		eventBus: eventBus,
		logger:   zerolog.Nop(),
		size:     defaultHistorySize,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start begins recording all events.
func (c *Controller) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.subscription = c.eventBus.Subscribe()

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.Info().Msg("events controller started")
	return nil
}

// Stop stops the controller and waits for it to finish.
func (c *Controller) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.eventBus.Unsubscribe(c.subscription)
	c.wg.Wait()

	c.logger.Info().Msg("events controller stopped")
	return nil
}

// History returns recorded entries, newest last.
func (c *Controller) History() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.subscription:
			if !ok {
				return
			}
			c.recordEvent(event)
		}
	}
}

func (c *Controller) recordEvent(ev Event) {
	entry := Entry{
		ID:        ev.ID,
		Type:      ev.Type,
		Message:   generateMessage(ev),
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.history = append(c.history, entry)
	if over := len(c.history) - c.size; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
	c.mu.Unlock()

	c.logger.Debug().
		Str("event_type", string(ev.Type)).
		Str("message", entry.Message).
		Msg("recorded event")
}

func generateMessage(event Event) string {
	formID, _ := event.Data["form_id"].(string)
	errMsg, _ := event.Data["error"].(string)

	switch event.Type {
	case SystemStarted:
		return "System started"
	case MigrationStarted:
		return "Storage migration started"
	case MigrationFinished:
		result, _ := event.Data["result"].(string)
		return fmt.Sprintf("Storage migration finished: %s", result)
	case FormListSynced:
		return "Form list synchronized"
	case FormListSyncFailed:
		return fmt.Sprintf("Form list synchronization failed: %s", errMsg)
	case FormDownloaded:
		return fmt.Sprintf("Form downloaded: %s", formID)
	case FormDownloadFailed:
		return fmt.Sprintf("Form download failed: %s: %s", formID, errMsg)
	case FormDeleted:
		return fmt.Sprintf("Form deleted: %s", formID)
	case InstanceSubmitted:
		return fmt.Sprintf("Instance submitted: %s", formID)
	case InstanceSubmissionFailed:
		return fmt.Sprintf("Instance submission failed: %s: %s", formID, errMsg)
	default:
		return fmt.Sprintf("Event: %s", event.Type)
	}
}
