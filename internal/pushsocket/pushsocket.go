// Package pushsocket is the push-socket front end (C6): the JSON-framed
// WebSocket protocol state machine (Connecting → Accepted → Active →
// Closing) that adapts a live connection onto the connection manager.
package pushsocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/authz"
	"github.com/pulsar-relay/relay/internal/connmgr"
	"github.com/pulsar-relay/relay/internal/logging"
	"github.com/pulsar-relay/relay/internal/message"
)

// Frame type names, shared between client→server and server→client frames.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameAck         = "ack"
	framePing        = "ping"
	frameSubscribed  = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameMessage     = "message"
	frameError       = "error"
	framePong        = "pong"
)

// clientFrame is the union of every client→server frame shape.
type clientFrame struct {
	Type      string   `json:"type"`
	Topics    []string `json:"topics,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

type serverFrame struct {
	Type      string `json:"type"`
	Topics    []string `json:"topics,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Metrics is the narrow subset of the relay metrics registry this package reports to.
type Metrics interface {
	SetPushConnections(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetPushConnections(int) {}

// Server accepts and drives push-socket connections.
type Server struct {
	upgrader       websocket.Upgrader
	verifier       *authtoken.Verifier
	oracle         *authz.Oracle
	conns          *connmgr.Manager
	log            *logging.Logger
	metrics        Metrics
	pingInterval   time.Duration
	maxConnections int64
	activeCount    int64
}

// Option customises a Server at construction.
type Option func(*Server)

// WithPingInterval overrides the keepalive cadence (default 30s).
func WithPingInterval(d time.Duration) Option { return func(s *Server) { s.pingInterval = d } }

// WithMaxConnections caps concurrent connections; 0 disables the cap.
func WithMaxConnections(n int64) Option { return func(s *Server) { s.maxConnections = n } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithAllowedOrigins restricts the upgrade's Origin check to the given
// origins, compared case-insensitively against the whole Origin header. An
// empty list keeps gorilla/websocket's default check, which accepts a request
// with no Origin header or one whose host equals the request's Host.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[strings.ToLower(o)] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := strings.ToLower(r.Header.Get("Origin"))
			return allowed[origin]
		}
	}
}

// New constructs a push-socket Server.
func New(verifier *authtoken.Verifier, oracle *authz.Oracle, conns *connmgr.Manager, log *logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.NewTestLogger()
	}
	s := &Server{
		verifier:     verifier,
		oracle:       oracle,
		conns:        conns,
		log:          log,
		metrics:      noopMetrics{},
		pingInterval: 30 * time.Second,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements the Connecting phase: verify the token, enforce the
// connection cap, then upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	if s.maxConnections > 0 && atomic.LoadInt64(&s.activeCount) >= s.maxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logging.Error(err))
		return
	}

	n := atomic.AddInt64(&s.activeCount, 1)
	s.metrics.SetPushConnections(int(n))
	defer func() {
		n := atomic.AddInt64(&s.activeCount, -1)
		s.metrics.SetPushConnections(int(n))
	}()

	session := newSession(conn, claims, uuid.NewString(), s.oracle, s.conns, s.log, s.pingInterval)
	session.run()
}

// session drives one connection through Accepted → Active → Closing.
type session struct {
	ws        *websocket.Conn
	claims    *authtoken.Claims
	sessionID string
	oracle    *authz.Oracle
	conns     *connmgr.Manager
	log       *logging.Logger
	pingEvery time.Duration

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	lastPong  int64 // unix nano, accessed atomically
}

func newSession(ws *websocket.Conn, claims *authtoken.Claims, sessionID string, oracle *authz.Oracle, conns *connmgr.Manager, log *logging.Logger, pingEvery time.Duration) *session {
	return &session{
		ws:        ws,
		claims:    claims,
		sessionID: sessionID,
		oracle:    oracle,
		conns:     conns,
		log:       log,
		pingEvery: pingEvery,
		send:      make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

// ID satisfies connmgr.Subscriber.
func (s *session) ID() string { return s.sessionID }

// Send satisfies connmgr.Subscriber: it enqueues a "message" frame for the
// writer goroutine, never touching the socket directly.
func (s *session) Send(msg message.Message, deadline time.Time) error {
	payload, err := json.Marshal(taggedMessage{Message: msg, Type: frameMessage})
	if err != nil {
		return err
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case s.send <- payload:
		return nil
	case <-timer.C:
		return errors.New("send deadline exceeded")
	case <-s.closed:
		return errors.New("connection closed")
	}
}

type taggedMessage struct {
	message.Message
	Type string `json:"type"`
}

func (s *session) run() {
	atomic.StoreInt64(&s.lastPong, time.Now().UnixNano())
	s.ws.SetPongHandler(func(string) error {
		atomic.StoreInt64(&s.lastPong, time.Now().UnixNano())
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	s.readLoop()

	s.closeOnce.Do(func() { close(s.closed) })
	s.conns.Remove(s, nil)
	wg.Wait()
	_ = s.ws.Close()
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if time.Since(time.Unix(0, atomic.LoadInt64(&s.lastPong))) > 2*s.pingEvery {
				return
			}
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) readLoop() {
	active := false
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.writeError("INVALID_MESSAGE", "frame is not valid JSON")
			if !active {
				return
			}
			continue
		}

		if !active && frame.Type != frameSubscribe {
			s.writeError("INVALID_MESSAGE", "first frame must be subscribe")
			return
		}

		switch frame.Type {
		case frameSubscribe:
			granted := s.authorizeTopics(frame.Topics)
			if !active {
				// First frame is all-or-nothing: a partial failure must not
				// register any topic from it, so Add is skipped entirely.
				if len(granted) != len(frame.Topics) {
					return
				}
				s.conns.Add(s, granted)
				active = true
				s.writeFrame(serverFrame{Type: frameSubscribed, Topics: granted, SessionID: s.sessionID})
				continue
			}
			if len(granted) > 0 {
				s.conns.Add(s, granted)
			}
			s.writeFrame(serverFrame{Type: frameSubscribed, Topics: granted, SessionID: s.sessionID})
		case frameUnsubscribe:
			s.conns.Remove(s, frame.Topics)
			s.writeFrame(serverFrame{Type: frameUnsubscribed, Topics: frame.Topics})
		case framePing:
			s.writeFrame(serverFrame{Type: framePong})
		case frameAck:
			s.log.Debug("push ack received", logging.String("message_id", frame.MessageID), logging.String("session_id", s.sessionID))
		default:
			s.writeError("INVALID_MESSAGE", "unknown frame type")
			if !active {
				return
			}
		}
	}
}

// authorizeTopics authorizes each topic for read and returns the subset the
// subject may subscribe to, sending an error frame per rejected topic.
func (s *session) authorizeTopics(topics []string) []string {
	granted := make([]string, 0, len(topics))
	for _, topic := range topics {
		decision := s.oracle.Authorize(s.claims, topic, authz.ActionRead)
		if decision == authz.Allow {
			granted = append(granted, topic)
			continue
		}
		code := "FORBIDDEN"
		switch decision {
		case authz.TopicNotFound:
			code = "TOPIC_NOT_FOUND"
		case authz.DenyNoScope:
			code = "UNAUTHORIZED"
		}
		s.writeError(code, "not authorized for topic "+topic)
	}
	return granted
}

func (s *session) writeFrame(frame serverFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	case <-s.closed:
	case <-time.After(connmgr.SendDeadline):
	}
}

func (s *session) writeError(code, msg string) {
	s.writeFrame(serverFrame{Type: frameError, Code: code, Message: msg})
}
