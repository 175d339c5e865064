package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/hive-core/internal/auth"
	"github.com/nerrad567/hive-core/internal/distribution"
	"github.com/nerrad567/hive-core/internal/infrastructure/config"
	"github.com/nerrad567/hive-core/internal/infrastructure/logging"
)

// defaultWriteWait bounds a write when the caller's context has no deadline.
const defaultWriteWait = 10 * time.Second

// ErrSessionClosed is returned by Send for sessions that are gone.
var ErrSessionClosed = errors.New("websocket session closed")

// Hub tracks live WebSocket sessions. It is the distribution engine's
// Transport: the engine's per-session queue calls Send, and a session whose
// connection ends is reported through the close callback.
//
// Each session has one reader goroutine that executes client actions in
// order and writes their replies, and one ping goroutine. Pushes from the
// engine and replies from the reader share the session's write lock, so a
// frame is never interleaved with another.
//
// Session lifecycle:
//  1. The upgrade handler authenticates and registers the connection
//  2. The reader runs until the client disconnects or a read fails
//  3. Unregister removes the session and calls the close callback once
//
// Close, called by the engine after a failed delivery, closes the socket;
// the reader then exits and step 3 runs as usual.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
//   - SetOnClose must be called before the first upgrade.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	onClose func(sessionID string)

	mu       sync.RWMutex
	sessions map[string]*Session
	shutdown bool
}

var _ distribution.Transport = (*Hub)(nil)

// Session is one connected WebSocket client.
type Session struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	principal auth.Principal

	// writeMu serialises data frames; gorilla allows one concurrent writer.
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session id used by the subscription registries.
func (s *Session) ID() string { return s.id }

// Principal returns the authenticated caller.
func (s *Session) Principal() auth.Principal { return s.principal }

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
// The hub accepts sessions immediately; Run only waits for shutdown.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		onClose:  func(string) {},
		sessions: make(map[string]*Session),
	}
}

// SetOnClose registers the callback run once for every session that ends,
// whatever the cause. Call before the hub accepts connections.
func (h *Hub) SetOnClose(fn func(sessionID string)) {
	h.onClose = fn
}

// Run blocks until ctx is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Shutdown()
}

// Shutdown closes every session and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// register adds a session. It fails after Shutdown.
func (h *Hub) register(conn *websocket.Conn, p auth.Principal) (*Session, bool) {
	s := &Session{
		id:        uuid.NewString(),
		hub:       h,
		conn:      conn,
		principal: p,
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return nil, false
	}
	h.sessions[s.id] = s
	h.logger.Debug("websocket session opened", "session_id", s.id, "subject", p.Subject, "sessions", len(h.sessions))
	return s, true
}

// unregister removes a session and reports the close. Only the caller that
// actually removes the session runs the callback.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, existed := h.sessions[s.id]
	delete(h.sessions, s.id)
	remaining := len(h.sessions)
	h.mu.Unlock()

	if existed {
		h.onClose(s.id)
		h.logger.Debug("websocket session closed", "session_id", s.id, "sessions", remaining)
	}
}

func (h *Hub) session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// Send writes payload to the session as a text frame. The write deadline is
// taken from ctx.
func (h *Hub) Send(ctx context.Context, sessionID string, payload []byte) error {
	s := h.session(sessionID)
	if s == nil {
		return ErrSessionClosed
	}
	return s.write(ctx, payload)
}

// IsOpen reports whether the session is connected.
func (h *Hub) IsOpen(sessionID string) bool {
	s := h.session(sessionID)
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close terminates the session's connection. The read loop then unregisters
// it. Unknown sessions are ignored.
func (h *Hub) Close(sessionID string) {
	if s := h.session(sessionID); s != nil {
		s.close()
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// write sends one text frame, failing fast on closed sessions and giving up
// at ctx's deadline.
func (s *Session) write(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// close shuts the connection once. Safe from any goroutine.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		//nolint:errcheck // Best-effort close frame on a connection being torn down
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close() //nolint:errcheck // Read loop observes the error and unregisters
	})
}

// handleWebSocket upgrades the HTTP connection to a WebSocket session.
// Authentication is a single-use ticket from POST /auth/ws-ticket, or a
// bearer access token for non-browser clients.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := s.authenticateUpgrade(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	session, ok := s.hub.register(conn, principal)
	if !ok {
		conn.Close() //nolint:errcheck // Hub is shutting down
		return
	}

	go s.pingLoop(session)
	go s.readLoop(session)
}

// readLoop executes client actions in arrival order until the connection
// ends, then unregisters the session.
func (s *Server) readLoop(session *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		session.close()
		s.hub.unregister(session)
	}()

	conn := session.conn
	conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "session_id", session.id, "error", err)
			} else {
				s.logger.Debug("websocket closed", "session_id", session.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		reply := s.execute(ctx, session, message)
		if err := session.write(ctx, reply); err != nil {
			s.logger.Debug("websocket reply failed", "session_id", session.id, "error", err)
			return
		}
	}
}

// pingLoop sends protocol pings until the session closes.
func (s *Server) pingLoop(session *Session) {
	interval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-session.done:
			return
		case <-ticker.C:
			if err := session.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait)); err != nil {
				session.close()
				return
			}
		}
	}
}
