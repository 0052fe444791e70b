package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/warp-terra/repoagent/internal/agent"
	"github.com/warp-terra/repoagent/internal/session"
	"github.com/warp-terra/repoagent/internal/tools"
)

// echoRuntime answers every turn with fixed text.
type echoRuntime struct {
	text string
}

type echoHistory struct {
	roles []string
}

func (h *echoHistory) Len() int { return len(h.roles) }
func (h *echoHistory) Clear()   { h.roles = nil }
func (h *echoHistory) DropTrailingUser() bool {
	if len(h.roles) == 0 || h.roles[len(h.roles)-1] != "user" {
		return false
	}
	h.roles = h.roles[:len(h.roles)-1]
	return true
}

func (r *echoRuntime) Provider() string          { return "stub" }
func (r *echoRuntime) ModelID() string           { return "stub-model" }
func (r *echoRuntime) NeedsCallIDs() bool        { return false }
func (r *echoRuntime) NewHistory() agent.History { return &echoHistory{} }

func (r *echoRuntime) AppendUser(history agent.History, text string) {
	h := history.(*echoHistory)
	h.roles = append(h.roles, "user")
}

func (r *echoRuntime) AppendAssistant(history agent.History, turn *agent.ModelTurn) {
	h := history.(*echoHistory)
	h.roles = append(h.roles, "assistant")
}

func (r *echoRuntime) AppendAssistantText(history agent.History, text string) {
	h := history.(*echoHistory)
	h.roles = append(h.roles, "assistant")
}

func (r *echoRuntime) AppendToolResults(history agent.History, results []agent.ToolOutcome) {
	h := history.(*echoHistory)
	h.roles = append(h.roles, "tool")
}

func (r *echoRuntime) Invoke(ctx context.Context, history agent.History, decls []tools.Declaration) (*agent.ModelTurn, error) {
	return &agent.ModelTurn{Text: r.text}, nil
}

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	ws, err := tools.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	registry, err := tools.NewRegistry(ws, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	manager := session.NewManager(func() (agent.Runtime, error) {
		return &echoRuntime{text: "回答"}, nil
	}, registry, 0, slog.Default())
	t.Cleanup(manager.StopAll)

	server := NewServer(Options{Token: token, Manager: manager, Logger: slog.Default()})
	ts := httptest.NewServer(server.routes())
	t.Cleanup(ts.Close)
	return server, ts
}

func doRequest(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Agent-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("non-JSON response: %v", err)
	}
	return resp.StatusCode, payload
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, "")
	status, payload := doRequest(t, http.MethodGet, ts.URL+"/health", "", nil)
	if status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("health = %d %v", status, payload)
	}
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	status, payload := doRequest(t, http.MethodGet, ts.URL+"/health", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", status)
	}
	if payload["error"] == "" || payload["status"] != float64(401) {
		t.Errorf("error payload = %v", payload)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/health", "wrong", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong token should be 401, got %d", status)
	}

	status, _ = doRequest(t, http.MethodGet, ts.URL+"/health", "secret", nil)
	if status != http.StatusOK {
		t.Fatalf("correct token should pass, got %d", status)
	}
}

func TestCreateSessionFlow(t *testing.T) {
	_, ts := newTestServer(t, "")

	status, payload := doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": "s1"})
	if status != http.StatusCreated {
		t.Fatalf("create = %d %v", status, payload)
	}
	if payload["session_id"] != "s1" {
		t.Errorf("session_id = %v", payload["session_id"])
	}
	sessionInfo, ok := payload["session"].(map[string]any)
	if !ok || sessionInfo["provider"] != "stub" {
		t.Errorf("session snapshot = %v", payload["session"])
	}

	// Duplicate id is a validation error.
	status, _ = doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": "s1"})
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate create = %d", status)
	}

	// Non-string session_id is rejected.
	status, _ = doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": 42})
	if status != http.StatusBadRequest {
		t.Fatalf("numeric session_id = %d", status)
	}

	// Empty body generates an id.
	status, payload = doRequest(t, http.MethodPost, ts.URL+"/sessions", "", nil)
	if status != http.StatusCreated {
		t.Fatalf("create with no body = %d", status)
	}
	if id, _ := payload["session_id"].(string); len(id) != 12 {
		t.Errorf("generated id = %v", payload["session_id"])
	}

	status, payload = doRequest(t, http.MethodGet, ts.URL+"/sessions", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	if sessions, ok := payload["sessions"].([]any); !ok || len(sessions) != 2 {
		t.Errorf("sessions list = %v", payload["sessions"])
	}
}

func TestGetSessionNotFound(t *testing.T) {
	_, ts := newTestServer(t, "")
	status, payload := doRequest(t, http.MethodGet, ts.URL+"/sessions/ghost", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown session = %d %v", status, payload)
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	_, ts := newTestServer(t, "")
	doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": "s1"})

	status, _ := doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/turns", "", map[string]any{})
	if status != http.StatusBadRequest {
		t.Fatalf("missing input = %d", status)
	}
	status, _ = doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/turns", "", map[string]any{"input": 3})
	if status != http.StatusBadRequest {
		t.Fatalf("numeric input = %d", status)
	}
	status, _ = doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/turns", "", map[string]any{"input": "   "})
	if status != http.StatusBadRequest {
		t.Fatalf("blank input = %d", status)
	}

	status, payload := doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/turns", "", map[string]any{"input": "你好"})
	if status != http.StatusAccepted {
		t.Fatalf("valid turn = %d %v", status, payload)
	}
	if payload["turn_id"] != float64(1) {
		t.Errorf("turn_id = %v", payload["turn_id"])
	}
}

func TestEventsEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, "")
	doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": "s1"})
	doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/turns", "", map[string]any{"input": "how many files?"})

	deadline := time.Now().Add(5 * time.Second)
	var after int64
	var sawAnswer, sawFinished bool
	for time.Now().Before(deadline) && !sawFinished {
		url := fmt.Sprintf("%s/sessions/s1/events?after=%d&wait_ms=500&limit=100", ts.URL, after)
		status, payload := doRequest(t, http.MethodGet, url, "", nil)
		if status != http.StatusOK {
			t.Fatalf("events = %d %v", status, payload)
		}
		events, _ := payload["events"].([]any)
		for _, raw := range events {
			event := raw.(map[string]any)
			switch event["type"] {
			case "answer":
				sawAnswer = true
				inner := event["payload"].(map[string]any)
				if inner["text"] != "回答" {
					t.Errorf("answer text = %v", inner["text"])
				}
			case "turn_finished":
				sawFinished = true
				inner := event["payload"].(map[string]any)
				if inner["status"] != "completed" {
					t.Errorf("turn status = %v", inner["status"])
				}
			}
		}
		if last, ok := payload["last_event_id"].(float64); ok && int64(last) > after {
			after = int64(last)
		}
	}
	if !sawAnswer || !sawFinished {
		t.Fatalf("incomplete event stream: answer=%v finished=%v", sawAnswer, sawFinished)
	}
}

func TestEventsQueryClamps(t *testing.T) {
	_, ts := newTestServer(t, "")
	doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": "s1"})

	// Out-of-range values are clamped rather than rejected.
	status, payload := doRequest(t, http.MethodGet,
		ts.URL+"/sessions/s1/events?after=-5&wait_ms=999999&limit=0", "", nil)
	if status != http.StatusOK {
		t.Fatalf("clamped query = %d %v", status, payload)
	}
	if _, ok := payload["events"].([]any); !ok {
		t.Errorf("events missing: %v", payload)
	}
	if _, ok := payload["dropped_events"].(float64); !ok {
		t.Errorf("dropped_events missing: %v", payload)
	}
}

func TestClearAndCancel(t *testing.T) {
	_, ts := newTestServer(t, "")
	doRequest(t, http.MethodPost, ts.URL+"/sessions", "", map[string]any{"session_id": "s1"})

	status, payload := doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/clear", "", map[string]any{})
	if status != http.StatusOK || payload["ok"] != true {
		t.Fatalf("clear = %d %v", status, payload)
	}

	status, payload = doRequest(t, http.MethodPost, ts.URL+"/sessions/s1/cancel", "", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("cancel = %d", status)
	}
	if payload["hard_cancel_supported"] != false {
		t.Errorf("cancel payload = %v", payload)
	}
	if payload["dropped_pending"] != float64(0) {
		t.Errorf("dropped_pending = %v", payload["dropped_pending"])
	}
}

func TestUnknownRoute(t *testing.T) {
	_, ts := newTestServer(t, "")
	status, payload := doRequest(t, http.MethodGet, ts.URL+"/nope", "", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown route = %d", status)
	}
	if payload["status"] != float64(404) {
		t.Errorf("error payload = %v", payload)
	}
}

func TestShutdownRespondsBeforeSignal(t *testing.T) {
	server, ts := newTestServer(t, "")

	status, _ := doRequest(t, http.MethodPost, ts.URL+"/shutdown", "", map[string]any{})
	if status != http.StatusOK {
		t.Fatalf("shutdown = %d", status)
	}

	select {
	case <-server.shutdownCh:
	case <-time.After(time.Second):
		t.Fatal("shutdown signal not raised")
	}
}

func TestMalformedBodyTreatedAsEmpty(t *testing.T) {
	_, ts := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sessions", bytes.NewReader([]byte("{not json")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("malformed body should act as empty object, got %d", resp.StatusCode)
	}
}
