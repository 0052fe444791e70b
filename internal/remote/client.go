// Package remote provides a typed client for the agent daemon's HTTP API.
// It is used by the terminal UI and by the launcher's readiness probe.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warp-terra/repoagent/pkg/models"
)

// DefaultTimeout bounds one HTTP round trip, long polls included.
const DefaultTimeout = 30 * time.Second

// Error is the single error kind the client surfaces. StatusCode is zero
// for transport-level failures.
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("[HTTP %d] %s", e.StatusCode, e.Message)
}

// Client talks to one agent daemon.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient normalizes the endpoint (a bare host:port gets an http://
// prefix) and returns a ready client.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		normalized = "http://" + normalized
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: normalized,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the normalized daemon base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Health checks daemon liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.request(ctx, http.MethodGet, "/health", nil, nil, nil)
}

// ListSessions returns status snapshots of every session.
func (c *Client) ListSessions(ctx context.Context) ([]models.SessionStatus, error) {
	var payload struct {
		Sessions []models.SessionStatus `json:"sessions"`
	}
	if err := c.request(ctx, http.MethodGet, "/sessions", nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Sessions, nil
}

// CreateSessionResult is the response to a session creation.
type CreateSessionResult struct {
	SessionID string               `json:"session_id"`
	Session   models.SessionStatus `json:"session"`
}

// CreateSession creates a session; sessionID may be empty for a
// server-generated id.
func (c *Client) CreateSession(ctx context.Context, sessionID string) (*CreateSessionResult, error) {
	body := map[string]any{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var result CreateSessionResult
	if err := c.request(ctx, http.MethodPost, "/sessions", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSession fetches one session's status.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.SessionStatus, error) {
	var payload struct {
		Session models.SessionStatus `json:"session"`
	}
	if err := c.request(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, nil, &payload); err != nil {
		return nil, err
	}
	return &payload.Session, nil
}

// SubmitTurnResult acknowledges an accepted turn.
type SubmitTurnResult struct {
	SessionID string `json:"session_id"`
	TurnID    int64  `json:"turn_id"`
}

// SubmitTurn queues one user question.
func (c *Client) SubmitTurn(ctx context.Context, sessionID, input string) (*SubmitTurnResult, error) {
	var result SubmitTurnResult
	err := c.request(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/turns", nil,
		map[string]any{"input": input}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearResult reports a clear attempt.
type ClearResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ClearSession clears history and queued turns. A busy session yields a
// conflict Error with the daemon's message.
func (c *Client) ClearSession(ctx context.Context, sessionID string) (*ClearResult, error) {
	var result ClearResult
	err := c.request(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/clear", nil,
		map[string]any{}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelSession drops queued turns.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (*models.CancelResult, error) {
	var result models.CancelResult
	err := c.request(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/cancel", nil,
		map[string]any{}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEvents long-polls the session event stream.
func (c *Client) GetEvents(ctx context.Context, sessionID string, after int64, waitMs, limit int) (*models.EventPage, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(max64(after, 0), 10))
	query.Set("wait_ms", strconv.Itoa(maxInt(waitMs, 0)))
	query.Set("limit", strconv.Itoa(maxInt(limit, 1)))

	var page models.EventPage
	err := c.request(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/events", query, nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.request(ctx, http.MethodPost, "/shutdown", nil, map[string]any{}, nil)
}

// request performs one round trip, attaching the token header, encoding
// the body, and decoding the JSON response into out when non-nil.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Message: fmt.Sprintf("请求编码失败：%v", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Message: fmt.Sprintf("构造请求失败：%v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.token != "" {
		req.Header.Set("X-Agent-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Message: fmt.Sprintf("连接服务失败：%v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Message: fmt.Sprintf("读取响应失败：%v", err), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode >= 400 {
		return &Error{Message: errorMessageFrom(data, resp.Status), StatusCode: resp.StatusCode}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Message: fmt.Sprintf("服务端返回了非预期内容：%v", err), StatusCode: resp.StatusCode}
	}
	return nil
}

// errorMessageFrom extracts the daemon's error field (or, for replies such
// as a refused clear, its message field), falling back to the raw body or
// HTTP status line.
func errorMessageFrom(data []byte, fallback string) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if len(data) > 0 {
		return string(data)
	}
	return fallback
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
