package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress is read-only telemetry; any origin may subscribe
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ProgressWSHandler streams job progress payloads over a WebSocket at
// /ws/jobs/{id}/progress. The connection closes after the terminal
// payload is delivered.
type ProgressWSHandler struct {
	progress interfaces.ProgressChannel
	logger   arbor.ILogger
}

// NewProgressWSHandler creates the progress streaming handler
func NewProgressWSHandler(progress interfaces.ProgressChannel, logger arbor.ILogger) *ProgressWSHandler {
	return &ProgressWSHandler{progress: progress, logger: logger}
}

// HandleProgress upgrades the connection and relays the job's progress feed
func (h *ProgressWSHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	if !strings.HasSuffix(rest, "/progress") {
		http.NotFound(w, r)
		return
	}
	jobID := strings.TrimSuffix(rest, "/progress")
	if jobID == "" {
		http.Error(w, "job ID is required", http.StatusBadRequest)
		return
	}

	sub, err := h.progress.Subscribe(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Progress subscription failed")
		http.Error(w, "failed to subscribe to progress", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Str("job_id", jobID).Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reader goroutine: detect client disconnect
	done := make(chan struct{})
	common.SafeGo(h.logger, "progress-ws-reader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case payload, ok := <-sub.Updates():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(payload); err != nil {
				h.logger.Debug().Str("job_id", jobID).Err(err).Msg("Progress write failed, closing")
				return
			}
			if payload.Status.IsTerminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
