package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/queryvault/queryvault/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWorkspaceStream upgrades the connection and streams the metrics (and
// anomalies) published for the workspace in the URL, filtered by the live
// channel to that workspace alone. The connection is torn down when either
// pump returns; inbound frames other than control frames are ignored, since
// this is a read-only feed.
func (h *Handlers) HandleWorkspaceStream(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", "error", err, "workspace_id", workspaceID)
		return
	}

	sub := h.live.Subscribe(workspaceID)
	defer h.live.Unsubscribe(sub)

	done := make(chan struct{})
	go wsReadPump(conn, h.logger, done)
	wsWritePump(conn, sub, h.logger, done)
}

// wsReadPump discards everything it reads except control frames; its only
// job is to notice the connection closing (by peer close, error, or pong
// timeout) and unblock the write pump.
func wsReadPump(conn *websocket.Conn, logger *slog.Logger, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWritePump drains the subscription and writes each envelope as JSON,
// sending periodic pings to keep intermediaries from closing an otherwise
// idle connection. It returns, closing the socket, when done fires or a
// write fails.
func wsWritePump(conn *websocket.Conn, sub *Subscription, logger *slog.Logger, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case env, ok := <-sub.ch:
			if !ok {
				return
			}
			lag := sub.lagged.Swap(0)
			if lag > 0 {
				logger.Debug("websocket: subscriber lagged", "dropped", lag)
			}

			payload, err := encodeEnvelope(env)
			if err != nil {
				logger.Error("websocket: encode envelope", "error", err)
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// encodeEnvelope renders the JSON-encoded QueryMetric the stream route
// promises for ordinary metrics, and the anomaly record when the envelope
// carries a detected anomaly instead.
func encodeEnvelope(env model.Envelope) ([]byte, error) {
	switch env.Kind {
	case model.EnvelopeAnomaly:
		return json.Marshal(env.Anomaly)
	default:
		return json.Marshal(env.Metric)
	}
}
