package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	sseHeartbeatInterval = 15 * time.Second
	// A consumer that cannot drain a frame within this window is considered
	// stalled past the high-water mark and is dropped.
	sseWriteDeadline = 10 * time.Second
)

// sseWriter serializes named events in text/event-stream format with
// heartbeats and slow-consumer protection.
type sseWriter struct {
	c          *gin.Context
	flusher    http.Flusher
	controller *http.ResponseController
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		abortWithError(c, NewHTTPError(http.StatusInternalServerError, "stream_unsupported", "streaming not supported", nil))
		return nil, false
	}
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseWriter{
		c:          c,
		flusher:    flusher,
		controller: http.NewResponseController(c.Writer),
	}, true
}

// Event writes one named frame. A blocked write past the deadline returns an
// error so the caller can terminate the slow consumer.
func (w *sseWriter) Event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_ = w.controller.SetWriteDeadline(time.Now().Add(sseWriteDeadline))
	if _, err := w.c.Writer.Write([]byte("event: " + name + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.c.Writer.Write(data); err != nil {
		return err
	}
	if _, err := w.c.Writer.Write([]byte("\n\n")); err != nil {
		return err
	}
	w.flusher.Flush()
	_ = w.controller.SetWriteDeadline(time.Time{})
	return nil
}

// Heartbeat writes the comment frame that keeps intermediaries from closing
// an idle stream.
func (w *sseWriter) Heartbeat() error {
	_ = w.controller.SetWriteDeadline(time.Now().Add(sseWriteDeadline))
	if _, err := w.c.Writer.Write([]byte(":\n\n")); err != nil {
		return err
	}
	w.flusher.Flush()
	_ = w.controller.SetWriteDeadline(time.Time{})
	return nil
}
