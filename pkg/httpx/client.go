package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Upstream responses larger than this are truncated. Cloud control-plane
// payloads are small; anything bigger is a misbehaving endpoint.
const maxUpstreamBody = 1 << 20

// RequestJSON performs an HTTP request with bounded retry for transient
// failures. Retries apply to transport errors and 5xx responses only; pass
// retries=0 for exactly one attempt (execution paths never retry).
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var (
		status   int
		respBody []byte
		err      error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		status, respBody, err = doJSONRequest(ctx, client, method, url, body, headers)
		transient := err != nil || status >= 500
		if !transient || attempt == retries {
			break
		}
		if waitErr := sleepCtx(ctx, retryDelay); waitErr != nil {
			return 0, nil, waitErr
		}
	}
	if err != nil {
		return 0, nil, err
	}
	return status, respBody, nil
}

func doJSONRequest(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
