package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type streamEventPayload struct {
	Cursor    string `json:"cursor"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// handleStream keeps a Server-Sent Events connection open and forwards cursor
// announcements. The first event carries the current head so a fresh
// subscriber knows whether to pull right away.
func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	head, err := h.syncService.Head(ctx)
	if err != nil {
		h.requestLogger(c).Error("failed to read stream head", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_unavailable"})
		return
	}

	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	pending := &RealtimeMessage{
		EventType: RealtimeEventCursorAdvanced,
		Cursor:    head.String(),
		Timestamp: time.Now().UTC(),
	}
	c.Stream(func(w io.Writer) bool {
		if pending != nil {
			c.SSEvent(pending.EventType, newStreamEvent(*pending))
			pending = nil
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case message := <-stream:
			c.SSEvent(message.EventType, newStreamEvent(message))
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, streamEventPayload{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC().Format(serverTimestampLayout),
			})
			return true
		}
	})
}

func newStreamEvent(message RealtimeMessage) streamEventPayload {
	return streamEventPayload{
		Cursor:    message.Cursor,
		Source:    realtimeSourceBackend,
		Timestamp: message.Timestamp.UTC().Format(serverTimestampLayout),
	}
}
