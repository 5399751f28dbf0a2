package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/akarpov/sandpool/internal/domain"
	"github.com/akarpov/sandpool/internal/identity"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/session"
	"github.com/akarpov/sandpool/internal/store"
)

// stderrMarker is prefixed to relayed stderr chunks so the browser terminal
// renders them distinguishably from stdout.
const stderrMarker = "\x1b[31m[stderr]\x1b[0m "

// wsMessage is the envelope for every message in either direction.
type wsMessage struct {
	Type          string `json:"type"`
	Data          string `json:"data,omitempty"`
	Cols          int    `json:"cols,omitempty"`
	Rows          int    `json:"rows,omitempty"`
	UserID        string `json:"userId,omitempty"`
	ContainerType string `json:"containerType,omitempty"`
	RestoreKey    string `json:"restoreKey,omitempty"`
	*Credentials
}

// sessionSummary is the per-session entry in an activeSessions reply.
type sessionSummary struct {
	SessionID     string `json:"sessionId"`
	Status        string `json:"status"`
	ContainerType string `json:"containerType,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	LastActivity  int64  `json:"lastActivity"`
}

// Handler upgrades browser connections to WebSocket and relays terminal
// traffic between each connection and an SSH shell inside the session's
// sandbox container.
type Handler struct {
	sessions      *session.Manager
	pool          *pool.Pool
	repo          store.Repository
	allowedOrigin string
	isDev         bool
	sshTimeout    time.Duration
}

// NewHandler creates a relay handler. sshTimeout bounds the SSH handshake
// for each started session.
func NewHandler(sm *session.Manager, p *pool.Pool, repo store.Repository, allowedOrigin string, isDev bool, sshTimeout time.Duration) *Handler {
	return &Handler{
		sessions:      sm,
		pool:          p,
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		sshTimeout:    sshTimeout,
	}
}

// conn is the state of a single relayed WebSocket connection.
type conn struct {
	id      string
	userID  string
	ws      *websocket.Conn
	h       *Handler
	limiter *RateLimiter
	events  *EventLog

	writeMu sync.Mutex

	mu    sync.Mutex
	shell *Shell
	sess  *domain.Session

	// finished guards the teardown path: the first trigger (explicit end,
	// SSH stream close, or transport drop) wins, later ones are no-ops.
	finished atomic.Bool
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	// Keep the transport limit above the in-loop size check so oversized
	// frames get a "message too large" reply instead of a dropped
	// connection.
	ws.SetReadLimit(MaxInputMessageSize + 512)

	c := &conn{
		id:      uuid.NewString(),
		userID:  identity.UserIDFromContext(r.Context()),
		ws:      ws,
		h:       h,
		limiter: NewRateLimiter(MessageRateLimit, MessageRateBurst),
		events:  NewEventLog(),
	}
	slog.Info("WebSocket connected", "connection_id", c.id, "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c.readLoop(ctx)

	// Read loop exit without explicit teardown means the transport dropped:
	// demote the session and retain its container for restoration.
	if c.finished.CompareAndSwap(false, true) {
		c.events.Append("disconnect", "transport closed")
		c.closeShell()
		c.persistAuditIfStarted()
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		h.sessions.Disconnect(dctx, c.id)
		dcancel()
	}

	if err := ws.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		slog.Debug("Failed to close websocket", "error", err, "connection_id", c.id)
	}
	slog.Info("WebSocket closed", "connection_id", c.id)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "connection_id", c.id)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "connection_id", c.id)
			}
			return
		}

		if len(raw) > MaxInputMessageSize {
			c.sendError("message too large")
			continue
		}
		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}

		switch msg.Type {
		case "startSession":
			c.handleStart(ctx, &msg)
		case "input":
			c.handleInput(ctx, msg.Data)
		case "resize":
			c.handleResize(ctx, msg.Cols, msg.Rows)
		case "endSession":
			c.finish(ctx, "client requested end")
			return
		case "getActiveSessions":
			c.sendActiveSessions()
		case "ping":
			c.send(&wsMessage{Type: "pong"})
		default:
			c.sendError("unknown message type")
		}
	}
}

// handleStart validates credentials, binds the connection to a session
// (restored or fresh), and opens the SSH shell. Validation failures leave
// pool and session state untouched.
func (c *conn) handleStart(ctx context.Context, msg *wsMessage) {
	c.mu.Lock()
	started := c.sess != nil
	c.mu.Unlock()
	if started {
		c.sendError("session already started")
		return
	}

	creds := msg.Credentials
	if creds == nil {
		creds = &Credentials{}
	}
	if err := creds.Validate(); err != nil {
		c.events.Append("error", err.Error())
		c.sendError(err.Error())
		return
	}

	var sess *domain.Session
	var restored bool
	var err error
	if msg.RestoreKey != "" {
		sess, err = c.h.sessions.RestoreByKey(ctx, c.id, msg.RestoreKey)
		if err == nil && sess == nil {
			c.sendError("session not restorable")
			return
		}
		restored = sess != nil
	} else {
		userID := msg.UserID
		if userID == "" {
			userID = c.userID
		}
		sess, restored, err = c.h.sessions.Create(ctx, c.id, userID, creds.Username, msg.ContainerType)
	}
	if err != nil {
		slog.Error("Failed to establish session", "connection_id", c.id, "error", err)
		c.sendError("failed to create session")
		return
	}

	if !restored {
		ctype := msg.ContainerType
		if ctype == "" {
			ctype = c.h.pool.DefaultType()
		}
		ctr, acqErr := c.h.pool.Acquire(ctx, ctype, pool.AcquireOptions{})
		if acqErr != nil {
			slog.Error("Failed to acquire container", "connection_id", c.id, "error", acqErr)
			c.h.sessions.MarkError(ctx, c.id)
			c.sendError("no container available")
			return
		}
		if err := c.h.sessions.AttachContainer(ctx, sess, ctr); err != nil {
			c.h.pool.Release(ctx, ctr.ID, false)
			c.h.sessions.MarkError(ctx, c.id)
			c.sendError("failed to attach container")
			return
		}
	}

	// The shell always targets the session's container; the client-supplied
	// host and port only apply when no container endpoint is bound.
	dialCreds := *creds
	if sess.Host != "" && sess.SSHPort > 0 {
		dialCreds.Host = sess.Host
		dialCreds.Port = sess.SSHPort
	}

	shell, err := DialShell(ctx, &dialCreds, c.h.sshTimeout)
	if err != nil {
		slog.Error("SSH dial failed",
			"connection_id", c.id, "session_id", sess.ID, "error", err)
		c.events.Append("error", "ssh connect failed")
		c.h.sessions.MarkError(ctx, c.id)
		c.persistAudit(sess)
		c.sendError("ssh connection failed")
		return
	}

	c.mu.Lock()
	c.sess = sess
	c.shell = shell
	c.mu.Unlock()

	c.events.Append("connect", "ssh session established")
	c.send(&wsMessage{Type: "sshConnected", Data: sess.ID, RestoreKey: sess.RestoreKey})
	slog.Info("SSH shell attached",
		"connection_id", c.id, "session_id", sess.ID,
		"container_id", sess.ContainerID, "restored", restored)

	go shell.Keepalive(ctx)
	go c.pump(ctx, shell)
}

// pump relays SSH output to the WebSocket until either stream ends, then
// runs the terminate path. Stderr chunks carry a visual marker.
func (c *conn) pump(ctx context.Context, shell *Shell) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.copyStream(shell.Stdout, "")
	}()
	go func() {
		defer wg.Done()
		c.copyStream(shell.Stderr, stderrMarker)
	}()
	wg.Wait()

	c.finish(ctx, "ssh stream closed")
	c.ws.Close(websocket.StatusNormalClosure, "ssh stream closed")
}

func (c *conn) copyStream(r io.Reader, marker string) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.send(&wsMessage{Type: "output", Data: marker + string(buf[:n])})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("SSH stream read ended", "connection_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *conn) handleInput(ctx context.Context, data string) {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		c.sendError("no active session")
		return
	}
	if _, err := shell.Stdin.Write([]byte(data)); err != nil {
		slog.Warn("SSH stdin write failed", "connection_id", c.id, "error", err)
		c.finish(ctx, "ssh stdin closed")
		return
	}
	c.h.sessions.UpdateActivity(ctx, c.id)
}

func (c *conn) handleResize(ctx context.Context, cols, rows int) {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		return
	}
	w, h := clampResize(cols, rows)
	if err := shell.Resize(w, h); err != nil {
		slog.Warn("Failed to resize terminal", "connection_id", c.id, "error", err)
		return
	}
	c.events.Append("resize", "")
	c.h.sessions.UpdateActivity(ctx, c.id)
}

// finish runs the terminate teardown exactly once: the shell is closed, the
// audit tail persisted, and the session cleaned up with its container
// released.
func (c *conn) finish(ctx context.Context, reason string) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.events.Append("disconnect", reason)
	c.closeShell()
	c.persistAuditIfStarted()
	c.h.sessions.Cleanup(ctx, c.id)
	slog.Info("Relay session finished", "connection_id", c.id, "reason", reason)
}

func (c *conn) closeShell() {
	c.mu.Lock()
	shell := c.shell
	c.shell = nil
	c.mu.Unlock()
	if shell != nil {
		if err := shell.Close(); err != nil {
			slog.Debug("Failed to close ssh shell", "connection_id", c.id, "error", err)
		}
	}
}

func (c *conn) persistAuditIfStarted() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		c.persistAudit(sess)
	}
}

func (c *conn) persistAudit(sess *domain.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	persistAudit(ctx, c.h.repo, sess.ID, sess.UserID, c.events)
}

func (c *conn) sendActiveSessions() {
	sessions := c.h.sessions.ActiveSessions()
	summaries := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, sessionSummary{
			SessionID:     s.ID,
			Status:        string(s.Status),
			ContainerType: s.ContainerType,
			CreatedAt:     s.CreatedAt.Unix(),
			LastActivity:  s.LastActivity.Unix(),
		})
	}
	payload, err := json.Marshal(summaries)
	if err != nil {
		c.sendError("failed to list sessions")
		return
	}
	c.send(&wsMessage{Type: "activeSessions", Data: string(payload)})
}

func (c *conn) sendError(message string) {
	c.send(&wsMessage{Type: "error", Data: message})
}

func (c *conn) send(msg *wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal outbound message", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err, "connection_id", c.id)
	}
}
