package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// TransportConfig tunes the websocket endpoint.
type TransportConfig struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessageRate and MessageBurst limit inbound client messages per connection.
	MessageRate  rate.Limit
	MessageBurst int
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultTransportConfig returns the settings used when a field is left zero.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 4096,
		MessageRate:    rate.Limit(5),
		MessageBurst:   10,
	}
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsConn) Write(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping uses a control frame, which gorilla allows concurrently with Write.
func (w *wsConn) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// Handler upgrades requests to websocket connections registered with h.
func (h *Hub) Handler(cfg TransportConfig) http.Handler {
	def := DefaultTransportConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = def.MessageRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = def.MessageBurst
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		h.serve(conn, cfg)
	})
}

func (h *Hub) serve(conn *websocket.Conn, cfg TransportConfig) {
	c := h.Register(&wsConn{conn: conn, writeTimeout: cfg.WriteTimeout})
	defer h.Disconnect(c)

	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetPongHandler(func(string) error {
		h.Touch(c)
		return nil
	})

	limiter := rate.NewLimiter(cfg.MessageRate, cfg.MessageBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Websocket read failed", "client_id", c.ID(), "error", err)
			}
			return
		}
		if !limiter.Allow() {
			h.Touch(c)
			if !h.send(c, ServerMessage{Type: TypeError, Message: "rate limit exceeded"}) {
				return
			}
			continue
		}
		h.HandleMessage(c, data)
	}
}
