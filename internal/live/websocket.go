package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/ashureev/catalaist/internal/api"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/identity"
	"github.com/coder/websocket"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 64 << 10
)

// Message types exchanged over the interview socket.
const (
	TypeAnswer   = "answer"
	TypeClassify = "classify"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeSession  = "session"
	TypeError    = "error"
)

// clientMessage is a frame sent by the browser.
type clientMessage struct {
	Type    string   `json:"type"`
	Answers []string `json:"answers,omitempty"`
}

// serverMessage is a frame pushed to the browser.
type serverMessage struct {
	Type      string             `json:"type"`
	Session   *agent.SessionView `json:"session,omitempty"`
	Error     string             `json:"error,omitempty"`
	Code      string             `json:"code,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
}

// WebSocketHandler runs interview rounds over a websocket.
type WebSocketHandler struct {
	svc           agent.Interviewer
	conns         *ConnManager
	rateLimiter   *agent.RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new websocket handler. rateLimiter may be nil.
func NewWebSocketHandler(svc agent.Interviewer, conns *ConnManager, rateLimiter *agent.RateLimiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		conns:         conns,
		rateLimiter:   rateLimiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for GET /ws/interview?session_id=...
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	interviewID := r.URL.Query().Get("session_id")
	slog.Info("interview websocket request", "user_id", userID, "session_id", interviewID, "ip", r.RemoteAddr)

	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if interviewID == "" {
		api.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	sess, err := h.svc.Session(r.Context(), userID, interviewID)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "interview ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, interviewID, ws)
	defer h.conns.Unregister(userID, interviewID, ws)

	ctx := agent.WithChannel(r.Context(), "ws")
	if err := h.pushSession(ctx, ws, sess); err != nil {
		slog.Debug("failed to send initial session", "error", err, "user_id", userID)
		return
	}

	h.readLoop(ctx, ws, userID, interviewID)
	slog.Info("interview websocket ended", "user_id", userID, "session_id", interviewID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID, interviewID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("websocket closed by client", "user_id", userID)
			} else {
				slog.Warn("websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := h.write(ctx, ws, serverMessage{Type: TypeError, Error: "invalid message", Code: "bad_message"}); err != nil {
				return
			}
			continue
		}

		var sess *domain.Session
		switch msg.Type {
		case TypePing:
			err = h.write(ctx, ws, serverMessage{Type: TypePong})
		case TypeAnswer:
			if !h.allow(userID) {
				err = h.write(ctx, ws, serverMessage{Type: TypeError, Error: "rate limit exceeded", Code: "rate_limited", Retryable: true})
				break
			}
			sess, err = h.svc.Answer(ctx, userID, interviewID, msg.Answers)
			err = h.reply(ctx, ws, sess, err)
		case TypeClassify:
			if !h.allow(userID) {
				err = h.write(ctx, ws, serverMessage{Type: TypeError, Error: "rate limit exceeded", Code: "rate_limited", Retryable: true})
				break
			}
			sess, err = h.svc.Classify(ctx, userID, interviewID)
			err = h.reply(ctx, ws, sess, err)
		default:
			err = h.write(ctx, ws, serverMessage{Type: TypeError, Error: "unknown message type " + msg.Type, Code: "bad_message"})
		}
		if err != nil {
			slog.Debug("websocket write failed", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *WebSocketHandler) allow(userID string) bool {
	return h.rateLimiter == nil || h.rateLimiter.Allow(userID)
}

// reply pushes the updated session, or the mapped error when the round failed.
// The returned error is a write failure only.
func (h *WebSocketHandler) reply(ctx context.Context, ws *websocket.Conn, sess *domain.Session, err error) error {
	if err != nil {
		status, body := api.Classify(err)
		if status >= http.StatusInternalServerError {
			slog.Error("interview round failed", "error", err)
		}
		return h.write(ctx, ws, serverMessage{Type: TypeError, Error: body.Error, Code: body.Code, Retryable: body.Retryable})
	}
	return h.pushSession(ctx, ws, sess)
}

func (h *WebSocketHandler) pushSession(ctx context.Context, ws *websocket.Conn, sess *domain.Session) error {
	view := agent.NewSessionView(sess, h.svc.MaxRounds())
	return h.write(ctx, ws, serverMessage{Type: TypeSession, Session: &view})
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
