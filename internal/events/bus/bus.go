// Package bus fans canonical run events out to live subscribers. The HTTP
// stream and the event log do not go through the bus; it exists for
// out-of-band consumers such as the websocket feed.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/common/config"
	"github.com/sandrun/sandrun/internal/common/logger"
)

// Event is a message on the bus. Data carries the canonical event payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	RunID     string         `json:"runId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and UTC timestamp.
func NewEvent(eventType, runID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// RunSubject is the per-run subject run events are published on.
func RunSubject(runID string) string {
	return fmt.Sprintf("runs.%s.events", runID)
}

// RunSubjectWildcard matches every run's event subject.
const RunSubjectWildcard = "runs.*.events"

// Handler consumes a delivered event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract.
type Bus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error
	// Subscribe registers a handler for a subject pattern. NATS-style
	// wildcards are supported: * matches one token, > the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)
	// Close shuts the bus down.
	Close()
	// IsConnected reports whether the bus can deliver.
	IsConnected() bool
}

// New selects the NATS bus when a URL is configured, the in-memory bus
// otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(log), nil
	}
	return NewNATSBus(cfg, log)
}
