package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/clipwatch/internal/capture"
	"github.com/kalambet/clipwatch/internal/session"
	"github.com/kalambet/clipwatch/internal/upload"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// Message kinds published on /events.
const (
	KindSession = "session"
	KindUpload  = "upload"
	KindTrigger = "trigger"
)

// Message is one websocket frame.
type Message struct {
	Kind    string    `json:"kind"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// UploadEvent is the payload of an upload message.
type UploadEvent struct {
	ClipID    string     `json:"clip_id"`
	SessionID string     `json:"session_id"`
	Uploaded  bool       `json:"uploaded"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	NextRetry *time.Time `json:"next_retry,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Message
}

// Hub fans pipeline events out to websocket clients. Slow clients lose
// messages rather than stall publishers.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends a message to every connected client.
func (h *Hub) Publish(kind string, payload any) {
	msg := Message{Kind: kind, Payload: payload, Time: time.Now().UTC()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("websocket client lagging, message dropped", "kind", kind)
		}
	}
}

// PublishSession forwards a session manager event.
func (h *Hub) PublishSession(e session.Event) {
	h.Publish(KindSession, e)
}

// PublishUpload forwards an upload pass outcome.
func (h *Hub) PublishUpload(o upload.Outcome) {
	ev := UploadEvent{
		ClipID:    o.Clip.ID,
		SessionID: o.Clip.SessionID,
		Uploaded:  o.Uploaded,
		Attempts:  o.Clip.UploadAttempts,
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	if !o.NextRetry.IsZero() {
		t := o.NextRetry
		ev.NextRetry = &t
	}
	h.Publish(KindUpload, ev)
}

// PublishTrigger forwards a live detection.
func (h *Hub) PublishTrigger(t capture.Trigger) {
	h.Publish(KindTrigger, t)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan Message, wsSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
