package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warp-terra/repoagent/internal/tools"
	"github.com/warp-terra/repoagent/pkg/models"
)

// stubMessage is one history entry in the stub dialect.
type stubMessage struct {
	role string
	text string
}

type stubHistory struct {
	messages []stubMessage
}

func (h *stubHistory) Len() int { return len(h.messages) }
func (h *stubHistory) Clear()   { h.messages = nil }
func (h *stubHistory) DropTrailingUser() bool {
	if len(h.messages) == 0 || h.messages[len(h.messages)-1].role != "user" {
		return false
	}
	h.messages = h.messages[:len(h.messages)-1]
	return true
}

// stubRuntime scripts model responses for loop testing.
type stubRuntime struct {
	script       []func() (*ModelTurn, error)
	invokes      int
	needsCallIDs bool
	toolResults  []ToolOutcome
	lastText     string
}

func (r *stubRuntime) Provider() string    { return "stub" }
func (r *stubRuntime) ModelID() string     { return "stub-model" }
func (r *stubRuntime) NeedsCallIDs() bool  { return r.needsCallIDs }
func (r *stubRuntime) NewHistory() History { return &stubHistory{} }

func (r *stubRuntime) AppendUser(history History, text string) {
	h := history.(*stubHistory)
	h.messages = append(h.messages, stubMessage{role: "user", text: text})
}

func (r *stubRuntime) AppendAssistant(history History, turn *ModelTurn) {
	h := history.(*stubHistory)
	h.messages = append(h.messages, stubMessage{role: "assistant", text: turn.Text})
}

func (r *stubRuntime) AppendAssistantText(history History, text string) {
	h := history.(*stubHistory)
	r.lastText = text
	h.messages = append(h.messages, stubMessage{role: "assistant", text: text})
}

func (r *stubRuntime) AppendToolResults(history History, results []ToolOutcome) {
	h := history.(*stubHistory)
	r.toolResults = append(r.toolResults, results...)
	h.messages = append(h.messages, stubMessage{role: "tool"})
}

func (r *stubRuntime) Invoke(ctx context.Context, history History, decls []tools.Declaration) (*ModelTurn, error) {
	if r.invokes >= len(r.script) {
		return nil, errors.New("stub script exhausted")
	}
	step := r.script[r.invokes]
	r.invokes++
	return step()
}

func answerTurn(text string) func() (*ModelTurn, error) {
	return func() (*ModelTurn, error) {
		return &ModelTurn{Text: text}, nil
	}
}

func callsTurn(calls ...FunctionCall) func() (*ModelTurn, error) {
	return func() (*ModelTurn, error) {
		return &ModelTurn{Calls: calls}, nil
	}
}

func errTurn(err error) func() (*ModelTurn, error) {
	return func() (*ModelTurn, error) { return nil, err }
}

type capturedEvent struct {
	eventType models.EventType
	payload   map[string]any
}

type eventRecorder struct {
	events []capturedEvent
}

func (r *eventRecorder) sink() EventSink {
	return func(eventType models.EventType, payload map[string]any) {
		r.events = append(r.events, capturedEvent{eventType: eventType, payload: payload})
	}
}

func (r *eventRecorder) count(eventType models.EventType) int {
	n := 0
	for _, e := range r.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func newLoopRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n// needle\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := tools.NewWorkspace(root)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := tools.NewRegistry(ws, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRunTurnDirectAnswer(t *testing.T) {
	rt := &stubRuntime{script: []func() (*ModelTurn, error){answerTurn("你好")}}
	history := rt.NewHistory()

	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), history, "hi", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if answer != "你好" {
		t.Errorf("answer = %q", answer)
	}
	h := history.(*stubHistory)
	if len(h.messages) != 2 || h.messages[0].role != "user" || h.messages[1].role != "assistant" {
		t.Errorf("unexpected history: %+v", h.messages)
	}
}

func TestRunTurnEmptyAnswerPlaceholder(t *testing.T) {
	rt := &stubRuntime{script: []func() (*ModelTurn, error){answerTurn("")}}
	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "hi", nil)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if answer != answerPlaceholder {
		t.Errorf("answer = %q, want placeholder", answer)
	}
}

func TestRunTurnToolCallThenAnswer(t *testing.T) {
	rt := &stubRuntime{script: []func() (*ModelTurn, error){
		callsTurn(FunctionCall{Name: "list_dir", Args: map[string]any{"path": "."}}),
		answerTurn("共 1 个文件"),
	}}
	rec := &eventRecorder{}

	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "how many files?", rec.sink())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if answer != "共 1 个文件" {
		t.Errorf("answer = %q", answer)
	}
	if rec.count(models.EventToolCall) != 1 || rec.count(models.EventToolResult) != 1 {
		t.Errorf("expected one tool_call and one tool_result, got %+v", rec.events)
	}
	if len(rt.toolResults) != 1 || !strings.Contains(rt.toolResults[0].Result, "main.go") {
		t.Errorf("tool result not forwarded to history: %+v", rt.toolResults)
	}
}

func TestRunTurnDeduplicatesConsecutiveCalls(t *testing.T) {
	calls := make([]FunctionCall, 16)
	for i := range calls {
		calls[i] = FunctionCall{Name: "search_files", Args: map[string]any{"query": "needle"}}
	}
	rt := &stubRuntime{script: []func() (*ModelTurn, error){
		callsTurn(calls...),
		answerTurn("done"),
	}}
	rec := &eventRecorder{}

	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "dup", rec.sink())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if answer != "done" {
		t.Errorf("answer = %q, want real model answer (no cap breach)", answer)
	}
	if got := rec.count(models.EventToolCall); got != 16 {
		t.Errorf("tool_call events = %d, want 16", got)
	}
	if got := rec.count(models.EventToolDeduplicated); got != 15 {
		t.Errorf("tool_deduplicated events = %d, want 15", got)
	}
	if got := rec.count(models.EventWarning); got != 0 {
		t.Errorf("no warning expected, got %d", got)
	}
	// All 16 results land in history, dedup or not.
	if len(rt.toolResults) != 16 {
		t.Errorf("tool results appended = %d, want 16", len(rt.toolResults))
	}
}

func TestRunTurnRawCallCap(t *testing.T) {
	// 60 identical calls in one batch: one execution, 59 duplicates. The
	// raw counter trips while the effective counter stays at 1.
	calls := make([]FunctionCall, MaxRawToolCallsPerTurn)
	for i := range calls {
		calls[i] = FunctionCall{Name: "search_files", Args: map[string]any{"query": "needle"}}
	}
	rt := &stubRuntime{script: []func() (*ModelTurn, error){callsTurn(calls...)}}
	rec := &eventRecorder{}

	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "loop", rec.sink())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.HasPrefix(answer, "本轮检测到工具请求过多（原始请求 60/60）") {
		t.Errorf("unexpected raw-cap answer: %q", answer)
	}
	if rec.count(models.EventWarning) != 1 {
		t.Errorf("expected one warning event")
	}
	if rec.count(models.EventToolDeduplicated) != MaxRawToolCallsPerTurn-1 {
		t.Errorf("dedup events = %d", rec.count(models.EventToolDeduplicated))
	}
	// The synthesized answer is appended as an assistant message.
	if rt.lastText != answer {
		t.Errorf("local answer not appended to history: %q", rt.lastText)
	}
}

func TestRunTurnEffectiveCallCap(t *testing.T) {
	calls := make([]FunctionCall, MaxToolCallsPerTurn)
	for i := range calls {
		calls[i] = FunctionCall{Name: "search_files", Args: map[string]any{"query": fmt.Sprintf("needle-%d", i)}}
	}
	rt := &stubRuntime{script: []func() (*ModelTurn, error){callsTurn(calls...)}}
	rec := &eventRecorder{}

	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "wide", rec.sink())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.HasPrefix(answer, "本轮已达到工具调用上限（有效调用 15/15）") {
		t.Errorf("unexpected effective-cap answer: %q", answer)
	}
	if !strings.Contains(answer, "已获取信息摘要：") {
		t.Errorf("cap answer should carry result previews: %q", answer)
	}
	if !strings.Contains(answer, "如需更精确结果，请缩小提问范围后重试。") {
		t.Errorf("cap answer should carry the guidance line: %q", answer)
	}
	// Only the last five previews are included.
	if got := strings.Count(answer, "\n- "); got != 5 {
		t.Errorf("preview lines = %d, want 5", got)
	}
	if rec.count(models.EventWarning) != 1 {
		t.Errorf("expected one warning event")
	}
}

func TestRunTurnSynthesizesCallIDs(t *testing.T) {
	rt := &stubRuntime{
		needsCallIDs: true,
		script: []func() (*ModelTurn, error){
			callsTurn(FunctionCall{Name: "list_dir", Args: map[string]any{}}),
			answerTurn("ok"),
		},
	}

	if _, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "q", nil); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(rt.toolResults) != 1 {
		t.Fatalf("expected one tool result")
	}
	if rt.toolResults[0].Call.CallID != "call_1" {
		t.Errorf("call id = %q, want synthesized call_1", rt.toolResults[0].Call.CallID)
	}
}

func TestRunTurnRateLimitRetry(t *testing.T) {
	rateErr := errors.New("429 too many requests, please retry in 0.01s")
	rt := &stubRuntime{script: []func() (*ModelTurn, error){
		errTurn(rateErr),
		errTurn(rateErr),
		answerTurn("通过"),
	}}
	rec := &eventRecorder{}

	answer, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "q", rec.sink())
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if answer != "通过" {
		t.Errorf("answer = %q", answer)
	}
	if got := rec.count(models.EventRateLimitRetry); got != 2 {
		t.Fatalf("rate_limit_retry events = %d, want 2", got)
	}
	for i, e := range rec.events {
		if e.eventType != models.EventRateLimitRetry {
			continue
		}
		if e.payload["delay_seconds"] != 0.01 {
			t.Errorf("event %d delay_seconds = %v, want 0.01", i, e.payload["delay_seconds"])
		}
	}
}

func TestRunTurnRateLimitExhausted(t *testing.T) {
	rateErr := errors.New("RESOURCE_EXHAUSTED: quota hit, retry in 0.01s")
	rt := &stubRuntime{script: []func() (*ModelTurn, error){
		errTurn(rateErr), errTurn(rateErr), errTurn(rateErr),
	}}
	rec := &eventRecorder{}

	_, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "q", rec.sink())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if rec.count(models.EventRateLimitRetry) != 2 {
		t.Errorf("rate_limit_retry events = %d, want 2", rec.count(models.EventRateLimitRetry))
	}
	if rec.count(models.EventRateLimitFailed) != 1 {
		t.Errorf("rate_limit_failed events = %d, want 1", rec.count(models.EventRateLimitFailed))
	}
}

func TestRunTurnProviderErrorPropagates(t *testing.T) {
	rt := &stubRuntime{script: []func() (*ModelTurn, error){
		errTurn(errors.New("invalid api key")),
	}}
	rec := &eventRecorder{}

	_, err := RunTurn(context.Background(), rt, newLoopRegistry(t), rt.NewHistory(), "q", rec.sink())
	if err == nil {
		t.Fatal("expected provider error")
	}
	if rec.count(models.EventRateLimitRetry) != 0 {
		t.Errorf("non-rate-limit errors must not retry")
	}
	if rt.invokes != 1 {
		t.Errorf("invokes = %d, want 1", rt.invokes)
	}
}

func TestToolSignatureCanonical(t *testing.T) {
	a := toolSignature("read_file", map[string]any{"path": "a.go", "start_line": 1.0})
	b := toolSignature("read_file", map[string]any{"start_line": 1.0, "path": "a.go"})
	if a != b {
		t.Errorf("signature should be key-order independent: %q vs %q", a, b)
	}
	c := toolSignature("read_file", map[string]any{"path": "b.go", "start_line": 1.0})
	if a == c {
		t.Errorf("different args should produce different signatures")
	}
}

func TestRetryDelayParsing(t *testing.T) {
	tests := []struct {
		msg  string
		want float64
	}{
		{"429 ... retry in 2.5s", 2.5},
		{"429 ... Retry In 7s", 7},
		{"429 no hint", 10},
		{"429 retry in 500s", 60},
	}
	for _, tt := range tests {
		got := retryDelayFrom(errors.New(tt.msg)).Seconds()
		if got != tt.want {
			t.Errorf("retryDelayFrom(%q) = %vs, want %vs", tt.msg, got, tt.want)
		}
	}
}
