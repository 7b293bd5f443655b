package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AdminClient calls the relay's REST surface: health, operator stats, and
// session administration. Live traffic goes through Client; this covers what
// an operator dashboard or CLI needs over plain HTTP.
type AdminClient struct {
	BaseURL    string
	Token      string // admin bearer token; health works without one
	HTTPClient *http.Client
}

// NewAdminClient creates a REST client for the relay at baseURL.
func NewAdminClient(baseURL, token string) *AdminClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &AdminClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and returns the raw body and status.
func (c *AdminClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return respBody, resp.StatusCode, nil
}

// call performs a request and decodes a successful response into out.
func (c *AdminClient) call(ctx context.Context, method, path string, body []byte, out any) error {
	respBody, status, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(status)
		}
		return fmt.Errorf("relay error %d: %s", status, errResp.Error)
	}
	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// HealthCheck is the status of one relay component.
type HealthCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the response from the health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health reports the relay's component checks. A degraded relay answers 503
// with the same body, so that status parses instead of erroring.
func (c *AdminClient) Health(ctx context.Context) (*HealthStatus, error) {
	respBody, status, err := c.doRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("relay error %d: %s", status, http.StatusText(status))
	}
	var hs HealthStatus
	if err := json.Unmarshal(respBody, &hs); err != nil {
		return nil, err
	}
	return &hs, nil
}

// SessionInfo is a session record plus its live membership.
type SessionInfo struct {
	ID              string    `json:"id"`
	Mode            string    `json:"mode"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
	MessageCount    int64     `json:"message_count"`
	Members         []string  `json:"members,omitempty"`
}

// RelayStats is the response from the stats endpoint.
type RelayStats struct {
	TotalSessions int64         `json:"total_sessions"`
	TotalMessages int64         `json:"total_messages"`
	TopSessions   []SessionInfo `json:"top_sessions"`
	Timestamp     string        `json:"timestamp"`
}

// Stats returns relay-wide totals. Admin only.
func (c *AdminClient) Stats(ctx context.Context) (*RelayStats, error) {
	var out RelayStats
	if err := c.call(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session returns one session's record and live members. Admin only.
func (c *AdminClient) Session(ctx context.Context, chatID string) (*SessionInfo, error) {
	if chatID == "" {
		return nil, fmt.Errorf("handoff: chat id is required")
	}
	var out SessionInfo
	if err := c.call(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(chatID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SwitchMode moves a session between AI and HUMAN handling and returns the
// resulting record. agentID names the assignee for HUMAN mode; leave it
// empty for AI mode.
func (c *AdminClient) SwitchMode(ctx context.Context, chatID, mode, agentID string) (*SessionInfo, error) {
	if chatID == "" {
		return nil, fmt.Errorf("handoff: chat id is required")
	}
	body, err := json.Marshal(struct {
		Mode    string `json:"mode"`
		AgentID string `json:"agent_id,omitempty"`
	}{Mode: mode, AgentID: agentID})
	if err != nil {
		return nil, err
	}
	var out SessionInfo
	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(chatID)+"/mode", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
