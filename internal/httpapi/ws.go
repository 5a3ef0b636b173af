package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/events/bus"
	"github.com/sandrun/sandrun/internal/run"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsFeedBuffer   = 256
)

// handleRunEventsWS streams a run's events over a websocket. The feed relays
// bus events for the run subject and closes after the terminal run-complete
// event, or when the run is already finished at subscribe time.
func (s *Server) handleRunEventsWS(c *gin.Context) {
	target, ok := s.ownedRun(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	feed := make(chan *bus.Event, wsFeedBuffer)
	sub, err := s.bus.Subscribe(bus.RunSubject(target.ID), func(_ context.Context, event *bus.Event) error {
		select {
		case feed <- event:
		default:
			s.logger.Warn("websocket feed full, dropping event",
				zap.String("run_id", target.ID),
				zap.String("event_type", event.Type))
		}
		return nil
	})
	if err != nil {
		s.logger.Error("run event subscription failed",
			zap.String("run_id", target.ID),
			zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A run that finished before we subscribed produces no further bus
	// traffic; send a synthetic terminal frame instead of hanging.
	if target.Status.Finished() {
		final := run.NewRunComplete(target.ID, string(target.Status), "")
		event := bus.NewEvent(final.Type, target.ID, final.Map())
		_ = s.writeEvent(conn, event)
		return
	}

	for {
		select {
		case event := <-feed:
			if err := s.writeEvent(conn, event); err != nil {
				return
			}
			if event.Type == run.EventRunComplete {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, event *bus.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(event)
}
