package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
)

// StreamHandler pushes progress events to subscribers over SSE and, for
// clients behind SSE-hostile proxies, WebSocket.
type StreamHandler struct {
	broker   *progress.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler constructs the handler.
func NewStreamHandler(broker *progress.Broker, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		broker: broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Progress streams progress as server-sent events. The stream closes after
// the terminal event; a wait that goes quiet for the broker's timeout also
// closes it, and clients re-subscribe or fall back to polling.
func (h *StreamHandler) Progress(c *gin.Context) {
	jobID := c.Param("jobId")

	sub, err := h.broker.Subscribe(jobID)
	if err != nil {
		if errors.Is(err, progress.ErrJobNotFound) {
			NotFound(c, "job not found")
			return
		}
		Internal(c, "failed to subscribe")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		Internal(c, "streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			return
		}

		data, err := json.Marshal(evt)
		if err != nil {
			h.logger.Error("marshal progress event", slog.Any("error", err))
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()

		if evt.Stage.IsTerminal() {
			return
		}
	}
}

// ProgressWebSocket forwards the same event stream over a WebSocket.
func (h *StreamHandler) ProgressWebSocket(c *gin.Context) {
	jobID := c.Param("jobId")

	sub, err := h.broker.Subscribe(jobID)
	if err != nil {
		NotFound(c, "job not found")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// Drain client frames so closes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			// Quiet interval; keep the socket alive and wait again.
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
			sub, err = h.broker.Subscribe(jobID)
			if err != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Info("websocket connection closed", slog.Any("error", err))
			return
		}

		if evt.Stage.IsTerminal() {
			writeClose(conn, websocket.CloseNormalClosure, "job finished")
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
