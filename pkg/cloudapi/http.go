package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"opsguard/pkg/httpx"
)

// HTTPResourceAPI reads resources from a management endpoint over plain HTTP.
type HTTPResourceAPI struct {
	Client  *http.Client
	BaseURL string
	Token   string
	Headers map[string]string
}

func (a HTTPResourceAPI) GetResource(ctx context.Context, resourceID string) (json.RawMessage, error) {
	if strings.TrimSpace(a.BaseURL) == "" {
		return nil, fmt.Errorf("%w: resource api base url is empty", ErrRequestFailed)
	}
	target := strings.TrimSuffix(a.BaseURL, "/") + "/resources?id=" + url.QueryEscape(resourceID)
	status, body, err := httpx.RequestJSON(ctx, a.Client, http.MethodGet, target, nil, a.headers(), 0, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if err := ClassifyStatus(status); err != nil {
		return nil, err
	}
	return body, nil
}

func (a HTTPResourceAPI) headers() map[string]string {
	out := map[string]string{}
	for k, v := range a.Headers {
		out[k] = v
	}
	if strings.TrimSpace(a.Token) != "" {
		out["Authorization"] = "Bearer " + a.Token
	}
	return out
}

// HTTPQueryAPI posts workspace queries to a query endpoint over plain HTTP.
type HTTPQueryAPI struct {
	Client  *http.Client
	BaseURL string
	Token   string
	Headers map[string]string
}

type queryRequest struct {
	WorkspaceID     string `json:"workspace_id"`
	Query           string `json:"query"`
	TimespanMinutes int    `json:"timespan_minutes"`
}

func (a HTTPQueryAPI) Query(ctx context.Context, workspaceID, query string, timespanMinutes int) (json.RawMessage, error) {
	if strings.TrimSpace(a.BaseURL) == "" {
		return nil, fmt.Errorf("%w: query api base url is empty", ErrRequestFailed)
	}
	payload, err := json.Marshal(queryRequest{WorkspaceID: workspaceID, Query: query, TimespanMinutes: timespanMinutes})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	target := strings.TrimSuffix(a.BaseURL, "/") + "/query"
	status, body, err := httpx.RequestJSON(ctx, a.Client, http.MethodPost, target, payload, a.headers(), 0, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	if err := ClassifyStatus(status); err != nil {
		return nil, err
	}
	return body, nil
}

func (a HTTPQueryAPI) headers() map[string]string {
	out := map[string]string{}
	for k, v := range a.Headers {
		out[k] = v
	}
	if strings.TrimSpace(a.Token) != "" {
		out["Authorization"] = "Bearer " + a.Token
	}
	return out
}
