package run

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/events/bus"
)

// Sink consumes canonical events in emission order.
type Sink interface {
	Emit(ctx context.Context, event *Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) Emit(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Recorder accumulates every emitted event for the run's events.jsonl.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events in emission order.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// JSONL renders the recorded events as newline-delimited JSON.
func (r *Recorder) JSONL() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var buf []byte
	for _, event := range r.events {
		line, err := event.JSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

// multiSink fans events out to a recorder, an optional transport, and the
// event bus. The recorder and bus always receive every event; a transport
// write failure (client disconnect) disables the transport and the run
// carries on.
type multiSink struct {
	recorder    *Recorder
	transport   Sink
	transportOK bool
	bus         bus.Bus
	runID       string
	logger      *logger.Logger
}

func newMultiSink(recorder *Recorder, transport Sink, eventBus bus.Bus, runID string, log *logger.Logger) *multiSink {
	return &multiSink{
		recorder:    recorder,
		transport:   transport,
		transportOK: transport != nil,
		bus:         eventBus,
		runID:       runID,
		logger:      log,
	}
}

func (s *multiSink) Emit(ctx context.Context, event *Event) error {
	_ = s.recorder.Emit(ctx, event)

	if s.transportOK {
		if err := s.transport.Emit(ctx, event); err != nil {
			s.transportOK = false
			s.logger.Debug("Transport sink closed; continuing without it",
				zap.String("run_id", s.runID),
				zap.Error(err),
			)
		}
	}

	if s.bus != nil && s.runID != "" {
		busEvent := bus.NewEvent(event.Type, s.runID, event.Map())
		if err := s.bus.Publish(ctx, bus.RunSubject(s.runID), busEvent); err != nil {
			s.logger.Debug("Failed to publish run event",
				zap.String("run_id", s.runID),
				zap.Error(err),
			)
		}
	}
	return nil
}
