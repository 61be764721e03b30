package gatelinesdk

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

// Client is a minimal Gateline HTTP API client for agent workers.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Story represents the API story model (partial).
type Story struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Wave        int      `json:"wave"`
	AgentClass  string   `json:"agent_class"`
	OwnedPaths  []string `json:"owned_paths"`
	Gate        int      `json:"gate"`
	Status      string   `json:"status"`
	Agent       string   `json:"agent"`
	Attempt     int      `json:"attempt"`
	AttemptOpen bool     `json:"attempt_open"`
	DataImpact  string   `json:"data_impact"`
}

// Assignment is the answer to Dispatch. Story is nil when nothing is ready.
type Assignment struct {
	Story   *Story `json:"story"`
	Resumed bool   `json:"resumed"`
}

type CheckResult struct {
	Pass  bool     `json:"pass"`
	Score *float64 `json:"score,omitempty"`
}

// GateReport is the result of one gate attempt.
type GateReport struct {
	Gate       int                    `json:"gate"`
	Attempt    int                    `json:"attempt"`
	Outcome    string                 `json:"outcome,omitempty"`
	Checklist  map[string]CheckResult `json:"checklist"`
	Criteria   []string               `json:"criteria,omitempty"`
	DataImpact string                 `json:"data_impact,omitempty"`
}

// Verdict is the orchestrator's recorded outcome for a report.
type Verdict struct {
	Story       Story    `json:"story"`
	Outcome     string   `json:"outcome"`
	Reasons     []string `json:"reasons"`
	Escalations []string `json:"escalations"`
	Held        bool     `json:"held"`
	Duplicate   bool     `json:"duplicate"`
	Seq         int64    `json:"seq"`
}

type Anomaly struct {
	StoryID     string `json:"story_id,omitempty"`
	Wave        int    `json:"wave,omitempty"`
	Class       string `json:"class"`
	Severity    string `json:"severity"`
	Description string `json:"description,omitempty"`
	Gate        *int   `json:"gate,omitempty"`
	Key         string `json:"key,omitempty"`
}

type AnomalyResult struct {
	Anomaly struct {
		ID string `json:"id"`
	} `json:"anomaly"`
	Escalations []string `json:"escalations"`
}

// StoryStatus is one row of a status report.
type StoryStatus struct {
	ID       string `json:"id"`
	Wave     int    `json:"wave"`
	Phase    int    `json:"phase"`
	Gate     int    `json:"gate"`
	GateName string `json:"gate_name"`
	Status   string `json:"status"`
	Agent    string `json:"agent"`
	Blockers []struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"blockers"`
}

type StatusReport struct {
	Scope   string        `json:"scope"`
	Seq     int64         `json:"seq"`
	Stories []StoryStatus `json:"stories"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Dispatch asks for the next story of agentClass for the token's agent.
func (c *Client) Dispatch(ctx context.Context, agentClass string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "dispatch", map[string]any{"agent_class": agentClass}, &resp)
	return resp, err
}

// StartAttempt opens a new attempt after a failure or a resumed escalation.
func (c *Client) StartAttempt(ctx context.Context, storyID string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stories/%s/attempts", url.PathEscape(storyID)), nil, &resp)
	return resp, err
}

// ReportGateCheck submits the checklist result of the story's open attempt.
func (c *Client) ReportGateCheck(ctx context.Context, storyID string, r GateReport) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stories/%s/reports", url.PathEscape(storyID)), r, &resp)
	return resp, err
}

// ReportAnomaly raises an anomaly against a story or, without story id, a wave.
func (c *Client) ReportAnomaly(ctx context.Context, a Anomaly) (AnomalyResult, error) {
	var resp AnomalyResult
	err := c.do(ctx, http.MethodPost, "anomalies", a, &resp)
	return resp, err
}

// Status returns progress for scope story, wave or all.
func (c *Client) Status(ctx context.Context, scope, id string) (StatusReport, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	if id != "" {
		q.Set("id", id)
	}
	endpoint := "status"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp StatusReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
