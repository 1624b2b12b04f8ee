package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/constellation/internal/relay"
)

// StreamEvents handles GET /events
// Relays job lifecycle events as text/event-stream until the client disconnects
func (h *EventHandler) StreamEvents(c *gin.Context) {
	if h.relay == nil {
		abortWithError(c, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	if !h.slots.TryAcquire(1) {
		h.logger.Warn("Rejecting event stream, connection limit reached")
		abortWithError(c, http.StatusServiceUnavailable, "too many event streams")
		return
	}
	defer h.slots.Release(1)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sink := relay.SinkFunc(func(frame []byte) error {
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})

	if err := h.relay.Run(c.Request.Context(), sink); err != nil {
		h.logger.Error("Event stream failed", slog.String("error", err.Error()))
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Type")
			abortWithError(c, http.StatusServiceUnavailable, "event stream unavailable")
		}
	}
}
