package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512
	sseHeartbeat   = 15 * time.Second
)

// SessionOptions configures a realtime session.
type SessionOptions struct {
	TenantID snowflake.ID
	UserID   uuid.UUID
	// AfterSeq skips remembered events the client already holds.
	AfterSeq     uint64
	PingInterval time.Duration
	Log          *zap.Logger
}

func (o SessionOptions) pingPeriod() time.Duration {
	if o.PingInterval <= 0 || o.PingInterval >= pongWait {
		return (pongWait * 9) / 10
	}
	return o.PingInterval
}

func (o SessionOptions) logger() *zap.Logger {
	if o.Log == nil {
		return zap.NewNop()
	}
	return o.Log
}

// NewUpgrader accepts websocket handshakes from origins; an empty list allows
// any origin.
func NewUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(origin), "/")] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed["*"] {
				return true
			}
			return allowed[strings.TrimRight(origin, "/")]
		},
	}
}

// ServeWebsocket upgrades the request and streams the user's events until
// either side closes. Client frames are read only to process control frames.
func (h *Hub) ServeWebsocket(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, opts SessionOptions) error {
	if h == nil {
		return ErrHubUnavailable
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub, backlog, err := h.Subscribe(opts.TenantID, opts.UserID, opts.AfterSeq)
	if err != nil {
		_ = conn.Close()
		return err
	}

	log := opts.logger().With(zap.String("user_id", opts.UserID.String()))
	done := make(chan struct{})
	go readPump(conn, done, log)
	writePump(conn, sub, backlog, done, opts.pingPeriod(), log)
	return nil
}

func readPump(conn *websocket.Conn, done chan<- struct{}, log *zap.Logger) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscription, backlog []Event, done <-chan struct{}, pingPeriod time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for _, event := range backlog {
		if err := writeJSON(conn, event); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case event := <-sub.Events():
			if err := writeJSON(conn, event); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, event Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(event)
}

// ServeSSE streams the user's events as server-sent events until the request
// context ends.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, opts SessionOptions) error {
	if h == nil {
		return ErrHubUnavailable
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrHubUnavailable
	}

	sub, backlog, err := h.Subscribe(opts.TenantID, opts.UserID, opts.AfterSeq)
	if err != nil {
		return err
	}
	defer sub.Close()

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, "retry: 2000\n\n"); err != nil {
		return nil
	}
	for _, event := range backlog {
		if err := writeSSE(w, event); err != nil {
			return nil
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-sub.Events():
			if err := writeSSE(w, event); err != nil {
				return nil
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data)
	return err
}

// ParseAfterSeq reads the resume position from Last-Event-ID or the after
// query parameter.
func ParseAfterSeq(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
