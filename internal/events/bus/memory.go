package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
)

const subscriptionBuffer = 256

// MemoryBus implements Bus with in-process delivery. Each subscription gets
// its own buffered channel drained by one goroutine, so a subscriber sees
// events in publish order. A subscriber that falls more than the buffer
// behind starts dropping events.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler

	ch   chan *Event
	done chan struct{}
	once sync.Once
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{logger: log}
}

// Publish delivers the event to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions {
		if !matches(subject, sub.subject, sub.pattern) {
			continue
		}
		select {
		case sub.ch <- event:
		case <-sub.done:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("subject", subject),
				zap.String("pattern", sub.subject),
				zap.String("event_type", event.Type),
			)
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.String("run_id", event.RunID),
	)
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		ch:      make(chan *Event, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)
	go sub.drain()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (s *memorySubscription) drain() {
	for {
		select {
		case event := <-s.ch:
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("pattern", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		case <-s.done:
			return
		}
	}
}

// Unsubscribe stops delivery and removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid reports whether the subscription still delivers.
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close stops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subscriptions {
		sub.once.Do(func() { close(sub.done) })
	}
	b.subscriptions = nil
	b.logger.Info("Memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks a subject against a NATS-style pattern.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp. Literal
// patterns return nil and are matched by string equality.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
