package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/catalaist/internal/agent"
	"github.com/ashureev/catalaist/internal/conversation"
	"github.com/ashureev/catalaist/internal/domain"
	"github.com/ashureev/catalaist/internal/identity"
	"github.com/coder/websocket"
)

type fakeInterviewer struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	answers  [][]string
}

func newFakeInterviewer() *fakeInterviewer {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := domain.NewSession("s-1", "user-1", "tab-1", "Invoices are keyed in by hand.", now)
	sess.State = domain.StateAwaitingAnswer
	sess.Pending.Reset([]string{"How often?", "Who does it?"}, now)
	return &fakeInterviewer{sessions: map[string]*domain.Session{sess.ID: sess}}
}

func (f *fakeInterviewer) CreateSession(context.Context, string, string, string) (*domain.Session, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeInterviewer) Answer(_ context.Context, userID, id string, answers []string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, err := f.lookup(userID, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Pending.Fill(answers); err != nil {
		return nil, err
	}
	f.answers = append(f.answers, answers)
	sess.Round++
	sess.Pending.Clear()
	sess.State = domain.StateTerminal
	return sess, nil
}

func (f *fakeInterviewer) Classify(context.Context, string, string) (*domain.Session, error) {
	return nil, &conversation.ParseError{Raw: "hmm", Err: conversation.ErrNoJSON}
}

func (f *fakeInterviewer) Session(_ context.Context, userID, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(userID, id)
}

func (f *fakeInterviewer) MaxRounds() int { return 8 }

func (f *fakeInterviewer) lookup(userID, id string) (*domain.Session, error) {
	sess, ok := f.sessions[id]
	if !ok || sess.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return sess, nil
}

func newTestServer(t *testing.T, svc agent.Interviewer, rl *agent.RateLimiter) (*httptest.Server, *ConnManager) {
	t.Helper()
	conns := NewConnManager()
	h := NewWebSocketHandler(svc, conns, rl, "https://catalaist.example", false)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), "user-1", "tab-1")))
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/interview?session_id=" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestInterviewOverWebSocket(t *testing.T) {
	svc := newFakeInterviewer()
	srv, conns := newTestServer(t, svc, nil)
	conn := dial(t, srv, "s-1")

	first := receive(t, conn)
	if first.Type != TypeSession || first.Session == nil || len(first.Session.Questions) != 2 {
		t.Fatalf("initial frame = %+v", first)
	}
	if conns.GetActive("user-1", "s-1") == nil {
		t.Fatal("connection should be registered")
	}

	send(t, conn, clientMessage{Type: TypePing})
	if msg := receive(t, conn); msg.Type != TypePong {
		t.Fatalf("ping reply = %+v", msg)
	}

	send(t, conn, clientMessage{Type: TypeAnswer, Answers: []string{"monthly"}})
	if msg := receive(t, conn); msg.Type != TypeError || msg.Code != "answer_count" {
		t.Fatalf("short batch reply = %+v", msg)
	}

	send(t, conn, clientMessage{Type: TypeAnswer, Answers: []string{"monthly", "finance clerk"}})
	msg := receive(t, conn)
	if msg.Type != TypeSession || msg.Session.State != domain.StateTerminal || msg.Session.Round != 1 {
		t.Fatalf("answer reply = %+v", msg)
	}

	send(t, conn, clientMessage{Type: TypeClassify})
	if msg := receive(t, conn); msg.Type != TypeError || msg.Code != "llm_response" || !msg.Retryable {
		t.Fatalf("classify reply = %+v", msg)
	}

	if err := conn.Write(context.Background(), websocket.MessageText, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if msg := receive(t, conn); msg.Code != "bad_message" {
		t.Fatalf("bad frame reply = %+v", msg)
	}

	send(t, conn, clientMessage{Type: "resize"})
	if msg := receive(t, conn); msg.Code != "bad_message" {
		t.Fatalf("unknown type reply = %+v", msg)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	rl := agent.NewRateLimiter(1, time.Minute)
	t.Cleanup(rl.Stop)
	srv, _ := newTestServer(t, newFakeInterviewer(), rl)
	conn := dial(t, srv, "s-1")
	receive(t, conn)

	send(t, conn, clientMessage{Type: TypeClassify})
	receive(t, conn)
	send(t, conn, clientMessage{Type: TypeClassify})
	if msg := receive(t, conn); msg.Code != "rate_limited" {
		t.Fatalf("reply = %+v, want rate_limited", msg)
	}
}

func TestWebSocketRejectsBeforeUpgrade(t *testing.T) {
	srv, _ := newTestServer(t, newFakeInterviewer(), nil)

	tests := []struct {
		name   string
		query  string
		origin string
		status int
	}{
		{"missing session id", "", "", http.StatusBadRequest},
		{"unknown session", "?session_id=nope", "", http.StatusNotFound},
		{"foreign origin", "?session_id=s-1", "https://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/interview"+tt.query, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	srv, conns := newTestServer(t, newFakeInterviewer(), nil)
	first := dial(t, srv, "s-1")
	receive(t, first)

	second := dial(t, srv, "s-1")
	receive(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("first connection error = %v, want policy violation close", err)
	}
	if conns.GetActive("user-1", "s-1") == nil {
		t.Fatal("second connection should stay registered")
	}
}

func TestCloseAll(t *testing.T) {
	srv, conns := newTestServer(t, newFakeInterviewer(), nil)
	conn := dial(t, srv, "s-1")
	receive(t, conn)

	done := make(chan struct{})
	go func() {
		conns.CloseAll()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("read error = %v, want going away close", err)
	}
	<-done
	if conns.Count() != 0 {
		t.Fatalf("Count() = %d after CloseAll", conns.Count())
	}
}

func TestCloseOneInterview(t *testing.T) {
	srv, conns := newTestServer(t, newFakeInterviewer(), nil)
	conn := dial(t, srv, "s-1")
	receive(t, conn)

	go conns.Close("user-1", "s-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read error = %v, want normal close", err)
	}
	conns.Close("user-1", "missing")
}
