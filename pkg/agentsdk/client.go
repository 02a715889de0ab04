// Package agentsdk is a thin HTTP client for the opsguard gateway. Agents use
// it to propose actions and poll their status; operator tooling uses it to
// approve, reject, and drive execution.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"opsguard/pkg/actionfsm"
)

// Client talks to a running opsguard gateway.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

// NewClient builds a client for the gateway at baseURL. A zero timeout
// falls back to 10 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
}

// APIError is a non-2xx gateway response. RetryAfterSeconds is only set for
// throttled (429) responses.
type APIError struct {
	StatusCode        int
	ReasonCode        string
	Message           string
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	if e.ReasonCode != "" {
		return fmt.Sprintf("gateway status=%d reason=%s: %s", e.StatusCode, e.ReasonCode, e.Message)
	}
	return fmt.Sprintf("gateway status=%d: %s", e.StatusCode, e.Message)
}

// IsThrottled reports whether err is a 429 from the gateway, returning the
// advised wait when it is.
func IsThrottled(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return apiErr.RetryAfterSeconds, true
	}
	return 0, false
}

// ProposeActionRequest mirrors the gateway's propose body.
type ProposeActionRequest struct {
	Tenant                 string          `json:"tenant"`
	RunID                  string          `json:"runId"`
	ActionType             string          `json:"actionType"`
	Payload                json.RawMessage `json:"payload"`
	RollbackPayload        json.RawMessage `json:"rollbackPayload,omitempty"`
	ManualRollbackGuidance string          `json:"manualRollbackGuidance,omitempty"`
}

// DecisionRequest carries an optional human-readable reason for an approve or
// reject call.
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ListFilter narrows ListActions. Tenant is required by the gateway.
type ListFilter struct {
	Tenant     string
	RunID      string
	Status     string
	ActionType string
	Limit      int
}

// ProposeAction submits a new action for approval.
func (c *Client) ProposeAction(ctx context.Context, req ProposeActionRequest) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions", req)
}

// GetAction fetches one action record with its approvals and execution logs.
func (c *Client) GetAction(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodGet, "/v1/actions/"+url.PathEscape(id), nil)
}

// ListActions returns records for one tenant, newest first.
func (c *Client) ListActions(ctx context.Context, filter ListFilter) ([]actionfsm.ActionRecord, error) {
	q := url.Values{}
	q.Set("tenant", filter.Tenant)
	if filter.RunID != "" {
		q.Set("runId", filter.RunID)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.ActionType != "" {
		q.Set("actionType", filter.ActionType)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", filter.Limit))
	}
	body, err := c.do(ctx, http.MethodGet, "/v1/actions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var records []actionfsm.ActionRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode action list: %w", err)
	}
	return records, nil
}

// Approve records a human approval for the execute phase.
func (c *Client) Approve(ctx context.Context, id, reason string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(id)+"/approve", DecisionRequest{Reason: reason})
}

// Reject terminally declines a proposed action.
func (c *Client) Reject(ctx context.Context, id, reason string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(id)+"/reject", DecisionRequest{Reason: reason})
}

// Execute runs an approved action through the guard chain and executor.
func (c *Client) Execute(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(id)+"/execute", nil)
}

// RequestRollback asks for rollback of a completed, reversible action.
func (c *Client) RequestRollback(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(id)+"/rollback/request", nil)
}

// ApproveRollback records a human approval for the rollback phase.
func (c *Client) ApproveRollback(ctx context.Context, id, reason string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(id)+"/rollback/approve", DecisionRequest{Reason: reason})
}

// ExecuteRollback runs the stored rollback payload through the executor.
func (c *Client) ExecuteRollback(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	return c.doRecord(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(id)+"/rollback/execute", nil)
}

func (c *Client) doRecord(ctx context.Context, method, path string, payload any) (*actionfsm.ActionRecord, error) {
	body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	var rec actionfsm.ActionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode action record: %w", err)
	}
	return &rec, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, decodeAPIError(resp.StatusCode, body)
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		ReasonCode        string `json:"reasonCode"`
		Message           string `json:"message"`
		Error             string `json:"error"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			apiErr.Message = parsed.Message
		} else if parsed.Error != "" {
			apiErr.Message = parsed.Error
		}
		apiErr.ReasonCode = parsed.ReasonCode
		apiErr.RetryAfterSeconds = parsed.RetryAfterSeconds
	}
	return apiErr
}
