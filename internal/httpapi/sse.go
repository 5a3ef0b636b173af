package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/sandrun/sandrun/internal/run"
)

// sseSink serializes canonical events as server-sent events:
// `event: <type>` then `data: <json>` and a blank line, flushed per event.
type sseSink struct {
	mu      sync.Mutex
	writer  gin.ResponseWriter
	flusher http.Flusher
}

var _ run.Sink = (*sseSink)(nil)

// newSSESink writes the stream headers and returns the sink, or nil when the
// response writer cannot flush.
func newSSESink(c *gin.Context) *sseSink {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{writer: c.Writer, flusher: flusher}
}

func (s *sseSink) Emit(ctx context.Context, event *run.Event) error {
	data, err := event.JSON()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
