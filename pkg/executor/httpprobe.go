package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"opsguard/pkg/targetcheck"
)

const (
	probeDefaultTimeout = 5 * time.Second
	probeMaxTimeout     = 30 * time.Second
	probeMaxBodyBytes   = 4096
)

// HTTPProbe performs a read-only GET against a validated URL. The URL is
// checked against the outbound target rules before any connection is opened,
// so blocked destinations never see traffic.
type HTTPProbe struct {
	Client   *http.Client
	Validate func(rawURL string) (bool, string)
	// DefaultTimeout applies when the payload sets no timeoutMs; both are
	// clamped to probeMaxTimeout.
	DefaultTimeout time.Duration
	MaxBody        int64
}

func NewHTTPProbe(client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: probeMaxTimeout}
	}
	return &HTTPProbe{
		Client:         client,
		Validate:       targetcheck.Validate,
		DefaultTimeout: probeDefaultTimeout,
		MaxBody:        probeMaxBodyBytes,
	}
}

type probePayload struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	TimeoutMS int    `json:"timeoutMs"`
}

func (p *HTTPProbe) Execute(ctx context.Context, actionType string, payload json.RawMessage) Result {
	started := time.Now()

	var req probePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return failure(ModeHTTPProbe, ReasonInvalidPayload, "payload must be a JSON object with a url field", started)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet {
		return failure(ModeHTTPProbe, ReasonMethodNotAllowed, "only GET probes are permitted", started)
	}
	if ok, reason := p.Validate(req.URL); !ok {
		return failure(ModeHTTPProbe, ReasonURLBlocked, reason, started)
	}

	timeout := p.DefaultTimeout
	if timeout <= 0 {
		timeout = probeDefaultTimeout
	}
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout > probeMaxTimeout {
		timeout = probeMaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return failure(ModeHTTPProbe, ReasonURLBlocked, "url could not be turned into a request", started)
	}
	resp, err := p.Client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return failure(ModeHTTPProbe, ReasonTimeout, "probe exceeded its deadline", started)
		}
		return failure(ModeHTTPProbe, ReasonHTTPError, "probe request did not complete", started)
	}
	defer resp.Body.Close()

	maxBody := p.MaxBody
	if maxBody <= 0 {
		maxBody = probeMaxBodyBytes
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if readErr != nil {
		if errors.Is(readErr, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return failure(ModeHTTPProbe, ReasonTimeout, "probe exceeded its deadline while reading the body", started)
		}
		return failure(ModeHTTPProbe, ReasonHTTPError, "probe response body could not be read", started)
	}
	truncated := false
	if int64(len(body)) > maxBody {
		body = body[:maxBody]
		truncated = true
	}

	return success(ModeHTTPProbe, started, map[string]interface{}{
		"status":    resp.StatusCode,
		"body":      string(body),
		"truncated": truncated,
	})
}

func (p *HTTPProbe) Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result {
	started := time.Now()
	return rollbackUnsupported(ModeHTTPProbe, started)
}
