package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAuthTimeout = 10 * time.Second
	maxFrameBytes      = 64 * 1024
)

// SessionConfig tunes a websocket session. Zero values select defaults.
type SessionConfig struct {
	Clock           clockwork.Clock
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	PingInterval    time.Duration
	PongDeadline    time.Duration
	AuthTimeout     time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = 10
	}
	if c.EventBurst <= 0 {
		c.EventBurst = 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongDeadline <= 0 {
		c.PongDeadline = defaultPongDeadline
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	return c
}

// Session adapts a websocket connection to the hub's Conn.
type Session struct {
	handle  string
	conn    *websocket.Conn
	writer  *clientWriter
	limiter *rate.Limiter
	logger  *zap.Logger

	mu         sync.RWMutex
	credential string
}

func newSession(conn *websocket.Conn, cfg SessionConfig, logger *zap.Logger) *Session {
	return &Session{
		handle:  uuid.NewString(),
		conn:    conn,
		writer:  newClientWriter(conn, cfg.Clock, cfg.PingInterval, cfg.PongDeadline, cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst),
		logger:  logger,
	}
}

func (s *Session) Handle() string {
	return s.handle
}

func (s *Session) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Session) Send(event Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode realtime event", zap.String("event", event.Type), zap.Error(err))
		return false
	}
	return s.writer.enqueue(data)
}

// Close rejects the connection with a policy violation close frame.
func (s *Session) Close() {
	s.writer.stopWithClose(websocket.ClosePolicyViolation, "authentication required")
}

// Serve runs a websocket connection through handshake and its inbound loop,
// returning once the connection is gone. When credential is empty the first
// frame must be an auth frame carrying the token; any other frame closes the
// connection unauthenticated. Pongs only extend the read deadline once the
// connection is authenticated.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, credential string, cfg SessionConfig) {
	cfg = cfg.withDefaults()
	conn.SetReadLimit(maxFrameBytes)
	session := newSession(conn, cfg, h.logger)
	defer session.writer.stop()

	_ = conn.SetReadDeadline(cfg.Clock.Now().Add(cfg.AuthTimeout))
	if credential == "" {
		frame, ok := session.readFrame()
		if !ok || frame.Type != EventAuth || frame.Token == "" {
			h.countHandshake("rejected")
			session.Close()
			return
		}
		credential = frame.Token
	}

	session.mu.Lock()
	session.credential = credential
	session.mu.Unlock()
	if _, err := h.Handshake(ctx, session, credential); err != nil {
		return
	}
	defer h.Disconnect(session)

	session.writer.watchPongs()
	session.writer.extendReadDeadline()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		session.writer.extendReadDeadline()

		if !session.limiter.Allow() {
			h.reject(session, CodeRateLimited, "too many events; slow down")
			continue
		}
		var frame Inbound
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.reject(session, CodeMalformedEvent, "frame is not valid JSON")
			continue
		}
		_ = h.HandleInbound(ctx, session, frame)
	}
}

func (s *Session) readFrame() (Inbound, bool) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return Inbound{}, false
	}
	var frame Inbound
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Inbound{}, false
	}
	return frame, true
}
