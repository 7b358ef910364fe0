package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/catalaist/internal/api"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/identity"
	"github.com/go-chi/chi/v5"
)

func newTestRouter(t *testing.T, env *testEnv, limit int, userID string) http.Handler {
	t.Helper()
	rl := NewRateLimiter(limit, time.Minute)
	t.Cleanup(rl.Stop)

	r := chi.NewRouter()
	if userID != "" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), userID, "tab-1")))
			})
		})
	}
	NewHandler(env.svc, rl, 1<<16).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) SessionView {
	t.Helper()
	var v SessionView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode session view: %v", err)
	}
	return v
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorBody {
	t.Helper()
	var body api.ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestHandlerInterviewRoundTrip(t *testing.T) {
	env := newTestEnv(t, clarifyTwo, classifyRPA)
	h := newTestRouter(t, env, 10, "user-1")

	w := do(t, h, http.MethodPost, "/api/sessions", `{"description":"Quarterly report compiled by hand."}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body)
	}
	view := decodeView(t, w)
	if view.State != domain.StateAwaitingAnswer || len(view.Questions) != 2 || view.MaxRounds != 8 {
		t.Fatalf("create view = %+v", view)
	}
	if view.History == nil || view.Facts == nil {
		t.Fatal("history and facts should render as arrays")
	}

	w = do(t, h, http.MethodPost, "/api/sessions/"+view.ID+"/answers", `{"answers":["only one"]}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("short batch status = %d", w.Code)
	}
	if body := decodeError(t, w); body.Code != "answer_count" {
		t.Fatalf("short batch body = %+v", body)
	}

	w = do(t, h, http.MethodPost, "/api/sessions/"+view.ID+"/answers", `{"answers":["Once a quarter","Nobody reads it"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("answer status = %d body = %s", w.Code, w.Body)
	}
	done := decodeView(t, w)
	if done.State != domain.StateTerminal || done.Result == nil || done.Result.Category != domain.CategoryEliminate {
		t.Fatalf("answer view = %+v", done)
	}

	w = do(t, h, http.MethodGet, "/api/sessions/"+view.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/api/sessions/"+view.ID+"/feedback", `{"confirmed":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("feedback status = %d body = %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), view.ID) {
		t.Fatalf("list status = %d body = %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":1`) {
		t.Fatalf("stats status = %d body = %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodDelete, "/api/sessions/"+view.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = do(t, h, http.MethodGet, "/api/sessions/"+view.ID, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", w.Code)
	}
}

func TestHandlerUnparseableReplyIsRetryable(t *testing.T) {
	env := newTestEnv(t, "Let me think about that.")
	h := newTestRouter(t, env, 10, "user-1")

	w := do(t, h, http.MethodPost, "/api/sessions", `{"description":"Expense approval."}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	body := decodeError(t, w)
	if !body.Retryable || body.Code != "llm_response" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandlerValidationAndAuth(t *testing.T) {
	env := newTestEnv(t)

	anon := newTestRouter(t, env, 10, "")
	if w := do(t, anon, http.MethodGet, "/api/sessions", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", w.Code)
	}

	h := newTestRouter(t, env, 10, "user-1")
	if w := do(t, h, http.MethodPost, "/api/sessions", `{"description":""}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty description status = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/sessions", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/sessions/nope/classify", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", w.Code)
	}
}

func TestHandlerRateLimit(t *testing.T) {
	env := newTestEnv(t, clarifyTwo)
	h := newTestRouter(t, env, 1, "user-1")

	if w := do(t, h, http.MethodPost, "/api/sessions", `{"description":"Ticket triage."}`); w.Code != http.StatusCreated {
		t.Fatalf("first status = %d body = %s", w.Code, w.Body)
	}
	w := do(t, h, http.MethodPost, "/api/sessions", `{"description":"Ticket triage."}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/sessions", ""); w.Code != http.StatusOK {
		t.Fatalf("reads are not rate limited, got %d", w.Code)
	}
}
