package agent

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/catalaist/internal/api"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handler serves the interview HTTP API.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	maxBody     int64
}

// NewHandler creates a new interview handler. The handler does not own the
// rate limiter; the caller stops it.
func NewHandler(svc *Service, rateLimiter *RateLimiter, maxBody int64) *Handler {
	return &Handler{svc: svc, rateLimiter: rateLimiter, maxBody: maxBody}
}

// RegisterRoutes registers interview routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Post("/answers", h.HandleAnswer)
			r.Post("/classify", h.HandleClassify)
			r.Post("/feedback", h.HandleFeedback)
			r.Get("/feedback", h.HandleListFeedback)
		})
	})
	r.Get("/api/stats", h.HandleStats)
}

// HandleCreate handles POST /api/sessions.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if !api.Decode(w, r, h.maxBody, &req) {
		return
	}

	slog.Info("interview started",
		"user_id", userID,
		"tab_id", identity.TabIDFromContext(r.Context()),
		"description_length", len(req.Description),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	sess, err := h.svc.CreateSession(WithChannel(r.Context(), "http"), userID, identity.TabIDFromContext(r.Context()), req.Description)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, NewSessionView(sess, h.svc.MaxRounds()))
}

// HandleList handles GET /api/sessions.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.svc.Sessions(r.Context(), userID, limit)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, NewSessionView(sess, h.svc.MaxRounds()))
	}
	api.JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// HandleGet handles GET /api/sessions/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	sess, err := h.svc.Session(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, NewSessionView(sess, h.svc.MaxRounds()))
}

// HandleAnswer handles POST /api/sessions/{id}/answers.
func (h *Handler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	var req AnswerRequest
	if !api.Decode(w, r, h.maxBody, &req) {
		return
	}
	sess, err := h.svc.Answer(WithChannel(r.Context(), "http"), userID, chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, NewSessionView(sess, h.svc.MaxRounds()))
}

// HandleClassify handles POST /api/sessions/{id}/classify.
func (h *Handler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	sess, err := h.svc.Classify(WithChannel(r.Context(), "http"), userID, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, NewSessionView(sess, h.svc.MaxRounds()))
}

// HandleFeedback handles POST /api/sessions/{id}/feedback.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	var req FeedbackRequest
	if !api.Decode(w, r, h.maxBody, &req) {
		return
	}
	fb, err := h.svc.Feedback(WithChannel(r.Context(), "http"), userID, chi.URLParam(r, "id"), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, fb)
}

// HandleListFeedback handles GET /api/sessions/{id}/feedback.
func (h *Handler) HandleListFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	list, err := h.svc.FeedbackFor(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Feedback{}
	}
	api.JSON(w, http.StatusOK, map[string]any{"feedback": list})
}

// HandleDelete handles DELETE /api/sessions/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	if err := h.svc.DeleteSession(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /api/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, false); !ok {
		return
	}
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, st)
}

// authorize resolves the caller and, for operations that reach the model,
// applies the per-user rate limit.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, limited bool) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	if limited && h.rateLimiter != nil && !h.rateLimiter.Allow(userID) {
		slog.Warn("rate limit exceeded", "user_id", userID, "path", r.URL.Path)
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return "", false
	}
	return userID, true
}
