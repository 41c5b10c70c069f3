package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"risktrajectory/internal/config"
)

// Handler upgrades /ws?patient_id= requests and runs a Session per viewer.
type Handler struct {
	hub      *Hub
	patients PatientLookup
	latest   LatestSource
	cfg      config.SessionConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(hub *Hub, patients PatientLookup, latest LatestSource, cfg config.SessionConfig, origin string, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		patients: patients,
		latest:   latest,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(origin),
		},
	}
}

func originChecker(allowed string) func(*http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	list := strings.Split(allowed, ",")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range list {
			if strings.EqualFold(strings.TrimSpace(o), origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	conn := newWSConn(ws, h.cfg.WriteTimeout)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readPump(ws, cancel)
	if h.cfg.PingInterval > 0 {
		go conn.pingLoop(ctx, h.cfg.PingInterval)
	}

	s := New(uuid.NewString(), patientID, h.hub, conn, h.logger)
	if h.logger != nil {
		h.logger.Info("session opened", "session_id", s.ID, "patient_id", patientID, "remote", r.RemoteAddr)
	}
	err = s.Run(ctx, h.patients, h.latest)
	if h.logger != nil {
		if err != nil {
			h.logger.Info("session closed", "session_id", s.ID, "patient_id", patientID, "err", err)
		} else {
			h.logger.Info("session closed", "session_id", s.ID, "patient_id", patientID)
		}
	}
}

// readPump drains inbound frames so pongs and close frames are processed.
func readPump(ws *websocket.Conn, done context.CancelFunc) {
	defer done()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval/2)); err != nil {
				return
			}
		}
	}
}
