package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/matrix"
	"github.com/ashureev/catalaist/internal/store"
	"github.com/go-chi/chi/v5"
)

// MatrixService manages the active decision matrix.
type MatrixService interface {
	Matrix() *matrix.Matrix
	PutMatrix(ctx context.Context, m *matrix.Matrix, source string) (*matrix.Matrix, error)
	EvaluateMatrix(in matrix.Input) matrix.Outcome
	MatrixVersions(ctx context.Context, limit int) ([]*store.MatrixRecord, error)
}

// MatrixHandler serves the decision matrix endpoints.
type MatrixHandler struct {
	svc     MatrixService
	maxBody int64
}

// NewMatrixHandler creates a MatrixHandler.
func NewMatrixHandler(svc MatrixService, maxBody int64) *MatrixHandler {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &MatrixHandler{svc: svc, maxBody: maxBody}
}

// RegisterRoutes registers matrix routes.
func (h *MatrixHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/matrix", func(r chi.Router) {
		r.Get("/", h.GetMatrix)
		r.Put("/", h.PutMatrix)
		r.Get("/versions", h.ListVersions)
		r.Post("/evaluate", h.Evaluate)
	})
}

// GetMatrix returns the active matrix as JSON, or YAML with ?format=yaml.
func (h *MatrixHandler) GetMatrix(w http.ResponseWriter, r *http.Request) {
	m := h.svc.Matrix()
	if strings.EqualFold(r.URL.Query().Get("format"), string(matrix.FormatYAML)) {
		data, err := matrix.Marshal(m, matrix.FormatYAML)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"matrix":   m,
		"warnings": nonNil(m.Lint()),
	})
}

// PutMatrix stores a new matrix version and activates it. YAML bodies are
// accepted when the Content-Type says so.
func (h *MatrixHandler) PutMatrix(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	format := matrix.FormatJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = matrix.FormatYAML
	}
	m, err := matrix.Parse(data, format)
	if err != nil {
		WriteError(w, err)
		return
	}
	saved, err := h.svc.PutMatrix(r.Context(), m, "api")
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"matrix":   saved,
		"warnings": nonNil(saved.Lint()),
	})
}

// ListVersions returns stored matrix versions, newest first.
func (h *MatrixHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	versions, err := h.svc.MatrixVersions(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	type version struct {
		Version   string `json:"version"`
		Source    string `json:"source"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]version, 0, len(versions))
	for _, v := range versions {
		out = append(out, version{Version: v.Version, Source: v.Source, CreatedAt: v.CreatedAt.UTC().Format(timeLayout)})
	}
	JSON(w, http.StatusOK, map[string]any{"versions": out})
}

// EvaluateRequest is a dry-run classification to run through the matrix.
type EvaluateRequest struct {
	Category   string            `json:"category"`
	Confidence float64           `json:"confidence"`
	Attributes map[string]string `json:"attributes"`
}

// Evaluate applies the active matrix to a classification without storing anything.
func (h *MatrixHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !Decode(w, r, h.maxBody, &req) {
		return
	}
	cat, ok := domain.ParseCategory(req.Category)
	if !ok {
		Error(w, http.StatusBadRequest, "unknown category "+strconv.Quote(req.Category))
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		Error(w, http.StatusBadRequest, "confidence must be between 0 and 1")
		return
	}
	out := h.svc.EvaluateMatrix(matrix.Input{
		Category:   cat,
		Confidence: req.Confidence,
		Attributes: req.Attributes,
	})
	JSON(w, http.StatusOK, out)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
