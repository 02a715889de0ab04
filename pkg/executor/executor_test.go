package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opsguard/pkg/cloudapi"
)

func decodeResponse(t *testing.T, res Result) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(res.ResponseRaw, &body); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	return body
}

func assertFailure(t *testing.T, res Result, wantReason string) map[string]interface{} {
	t.Helper()
	if res.Success {
		t.Fatalf("expected failure, got success: %s", res.ResponseRaw)
	}
	body := decodeResponse(t, res)
	if body["reason"] != wantReason {
		t.Fatalf("reason = %v, want %s", body["reason"], wantReason)
	}
	if body["detail"] == "" || body["detail"] == nil {
		t.Fatalf("failure missing detail")
	}
	return body
}

func TestDryRunSuccess(t *testing.T) {
	d := NewDryRun()
	res := d.Execute(context.Background(), "restart_service", json.RawMessage(`{"service":"web"}`))
	if !res.Success {
		t.Fatalf("expected success: %s", res.ResponseRaw)
	}
	body := decodeResponse(t, res)
	if body["mode"] != ModeDryRun {
		t.Fatalf("mode = %v", body["mode"])
	}
	if body["simulated"] != true {
		t.Fatalf("expected simulated=true")
	}
}

func TestDryRunSimulatedFailure(t *testing.T) {
	d := NewDryRun()
	res := d.Execute(context.Background(), "restart_service", json.RawMessage(`{"simulateFailure":true}`))
	assertFailure(t, res, ReasonSimulatedFailure)
}

func TestDryRunValidation(t *testing.T) {
	d := NewDryRun()
	if res := d.Execute(context.Background(), "", json.RawMessage(`{}`)); res.Success {
		t.Fatalf("empty action type should fail")
	} else if body := decodeResponse(t, res); body["reason"] != ReasonInvalidActionType {
		t.Fatalf("reason = %v", body["reason"])
	}
	if res := d.Execute(context.Background(), "x", json.RawMessage(`not json`)); res.Success {
		t.Fatalf("invalid payload should fail")
	} else if body := decodeResponse(t, res); body["reason"] != ReasonInvalidPayload {
		t.Fatalf("reason = %v", body["reason"])
	}
}

func TestDryRunRollbackSucceeds(t *testing.T) {
	d := NewDryRun()
	res := d.Rollback(context.Background(), "restart_service", json.RawMessage(`{}`))
	if !res.Success {
		t.Fatalf("dry-run rollback should succeed: %s", res.ResponseRaw)
	}
	if body := decodeResponse(t, res); body["phase"] != "rollback" {
		t.Fatalf("phase = %v", body["phase"])
	}
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	return nil, errors.New("no network in this test")
}

func TestHTTPProbeBlocksMetadataAddressPreFlight(t *testing.T) {
	transport := &countingTransport{}
	p := NewHTTPProbe(&http.Client{Transport: transport})

	res := p.Execute(context.Background(), ActionHTTPProbe, json.RawMessage(`{"url":"https://169.254.169.254/latest/meta-data"}`))
	assertFailure(t, res, ReasonURLBlocked)
	if transport.calls != 0 {
		t.Fatalf("blocked URL produced %d outbound calls, want 0", transport.calls)
	}
}

func TestHTTPProbeRejectsNonGET(t *testing.T) {
	transport := &countingTransport{}
	p := NewHTTPProbe(&http.Client{Transport: transport})

	res := p.Execute(context.Background(), ActionHTTPProbe, json.RawMessage(`{"url":"https://example.com/","method":"POST"}`))
	assertFailure(t, res, ReasonMethodNotAllowed)
	if transport.calls != 0 {
		t.Fatalf("rejected method produced %d outbound calls, want 0", transport.calls)
	}
}

func TestHTTPProbeFetchesAndTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.Client())
	p.Validate = func(string) (bool, string) { return true, "" }
	p.MaxBody = 10

	res := p.Execute(context.Background(), ActionHTTPProbe, json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if !res.Success {
		t.Fatalf("expected success: %s", res.ResponseRaw)
	}
	body := decodeResponse(t, res)
	if body["status"] != float64(200) {
		t.Fatalf("status = %v", body["status"])
	}
	if body["truncated"] != true {
		t.Fatalf("expected truncated body")
	}
	if got := body["body"].(string); len(got) != 10 {
		t.Fatalf("body length = %d, want 10", len(got))
	}
}

func TestHTTPProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.Client())
	p.Validate = func(string) (bool, string) { return true, "" }

	res := p.Execute(context.Background(), ActionHTTPProbe, json.RawMessage(`{"url":"`+srv.URL+`","timeoutMs":50}`))
	assertFailure(t, res, ReasonTimeout)
}

func TestHTTPProbeConfiguredDefaultTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPProbe(srv.Client())
	p.Validate = func(string) (bool, string) { return true, "" }
	p.DefaultTimeout = 50 * time.Millisecond

	// No timeoutMs in the payload: the configured default applies.
	res := p.Execute(context.Background(), ActionHTTPProbe, json.RawMessage(`{"url":"`+srv.URL+`"}`))
	assertFailure(t, res, ReasonTimeout)
}

func TestHTTPProbeRollbackUnsupported(t *testing.T) {
	p := NewHTTPProbe(nil)
	res := p.Rollback(context.Background(), ActionHTTPProbe, json.RawMessage(`{}`))
	assertFailure(t, res, ReasonRollbackUnsupported)
}

type fakeResourceAPI struct {
	calls int
	body  json.RawMessage
	err   error
}

func (f *fakeResourceAPI) GetResource(ctx context.Context, resourceID string) (json.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func TestResourceReadValidatesPath(t *testing.T) {
	api := &fakeResourceAPI{}
	r := NewResourceRead(api, nil)

	res := r.Execute(context.Background(), ActionResourceRead, json.RawMessage(`{"resourceId":"not-a-path"}`))
	assertFailure(t, res, ReasonInvalidResourceID)
	if api.calls != 0 {
		t.Fatalf("invalid path reached the API")
	}
}

func TestResourceReadScopeAllowlist(t *testing.T) {
	api := &fakeResourceAPI{body: json.RawMessage(`{"name":"vm-1"}`)}
	r := NewResourceRead(api, []string{"SUB-ALLOWED"})

	res := r.Execute(context.Background(), ActionResourceRead,
		json.RawMessage(`{"resourceId":"/subscriptions/sub-denied/resourceGroups/rg/providers/p/t/n"}`))
	assertFailure(t, res, ReasonTargetNotAllowlisted)
	if api.calls != 0 {
		t.Fatalf("denied scope reached the API")
	}

	res = r.Execute(context.Background(), ActionResourceRead,
		json.RawMessage(`{"resourceId":"/subscriptions/sub-allowed/resourceGroups/rg/providers/p/t/n"}`))
	if !res.Success {
		t.Fatalf("allowlisted scope should succeed: %s", res.ResponseRaw)
	}
	if api.calls != 1 {
		t.Fatalf("api calls = %d, want 1", api.calls)
	}
}

func TestResourceReadEmptyAllowlistAllowsAll(t *testing.T) {
	api := &fakeResourceAPI{body: json.RawMessage(`{}`)}
	r := NewResourceRead(api, nil)

	res := r.Execute(context.Background(), ActionResourceRead,
		json.RawMessage(`{"resourceId":"/subscriptions/anything/x"}`))
	if !res.Success {
		t.Fatalf("empty allowlist should allow any scope: %s", res.ResponseRaw)
	}
}

func TestResourceReadClassifiesUpstreamErrors(t *testing.T) {
	cases := []struct {
		err    error
		reason string
	}{
		{cloudapi.ErrAuthFailed, ReasonAuthFailed},
		{cloudapi.ErrForbidden, ReasonForbidden},
		{cloudapi.ErrNotFound, ReasonNotFound},
		{cloudapi.ErrRequestFailed, ReasonRequestFailed},
		{context.DeadlineExceeded, ReasonTimeout},
		{errors.New("surprise"), ReasonUnexpectedError},
	}
	for _, tc := range cases {
		api := &fakeResourceAPI{err: tc.err}
		r := NewResourceRead(api, nil)
		res := r.Execute(context.Background(), ActionResourceRead,
			json.RawMessage(`{"resourceId":"/subscriptions/s/x"}`))
		body := assertFailure(t, res, tc.reason)
		if strings.Contains(body["detail"].(string), "surprise") {
			t.Fatalf("raw error text leaked into detail: %v", body["detail"])
		}
	}
}

func TestResourceReadRollbackUnsupported(t *testing.T) {
	r := NewResourceRead(&fakeResourceAPI{}, nil)
	res := r.Rollback(context.Background(), ActionResourceRead, json.RawMessage(`{}`))
	assertFailure(t, res, ReasonRollbackUnsupported)
}

type fakeQueryAPI struct {
	calls        int
	lastTimespan int
	rows         json.RawMessage
	err          error
}

func (f *fakeQueryAPI) Query(ctx context.Context, workspaceID, query string, timespanMinutes int) (json.RawMessage, error) {
	f.calls++
	f.lastTimespan = timespanMinutes
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

const testWorkspaceID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

func TestQueryRunBlocksMutatingMarkers(t *testing.T) {
	for _, query := range []string{
		"Heartbeat | .ingest into T",
		"T | .DROP table X",
		"T | .drop table X",
		"T | .Drop table X",
		".set-or-append T <| Other",
	} {
		api := &fakeQueryAPI{}
		q := NewQueryRun(api, nil)
		res := q.Execute(context.Background(), ActionRunQuery,
			mustQueryPayload(t, testWorkspaceID, query))
		assertFailure(t, res, ReasonBlockedQueryPattern)
		if api.calls != 0 {
			t.Fatalf("blocked query %q reached the API", query)
		}
	}
}

func mustQueryPayload(t *testing.T, workspaceID, query string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"workspaceId": workspaceID, "query": query})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestQueryRunValidatesWorkspaceID(t *testing.T) {
	api := &fakeQueryAPI{}
	q := NewQueryRun(api, nil)
	res := q.Execute(context.Background(), ActionRunQuery,
		json.RawMessage(`{"workspaceId":"not-a-uuid","query":"Heartbeat | count"}`))
	assertFailure(t, res, ReasonInvalidWorkspaceID)
	if api.calls != 0 {
		t.Fatalf("invalid workspace reached the API")
	}
}

func TestQueryRunWorkspaceAllowlist(t *testing.T) {
	api := &fakeQueryAPI{rows: json.RawMessage(`[]`)}
	q := NewQueryRun(api, []string{"00000000-0000-0000-0000-000000000001"})
	res := q.Execute(context.Background(), ActionRunQuery,
		mustQueryPayload(t, testWorkspaceID, "Heartbeat | count"))
	assertFailure(t, res, ReasonTargetNotAllowlisted)
	if api.calls != 0 {
		t.Fatalf("denied workspace reached the API")
	}
}

func TestQueryRunClampsTimespan(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 60},
		{-5, 1},
		{30, 30},
		{5000, 1440},
	}
	for _, tc := range cases {
		api := &fakeQueryAPI{rows: json.RawMessage(`[]`)}
		q := NewQueryRun(api, nil)
		raw, _ := json.Marshal(map[string]interface{}{
			"workspaceId":     testWorkspaceID,
			"query":           "Heartbeat | count",
			"timespanMinutes": tc.in,
		})
		res := q.Execute(context.Background(), ActionRunQuery, raw)
		if !res.Success {
			t.Fatalf("timespan %d: expected success: %s", tc.in, res.ResponseRaw)
		}
		if api.lastTimespan != tc.want {
			t.Fatalf("timespan %d clamped to %d, want %d", tc.in, api.lastTimespan, tc.want)
		}
	}
}

func TestQueryRunRollbackUnsupported(t *testing.T) {
	q := NewQueryRun(&fakeQueryAPI{}, nil)
	res := q.Rollback(context.Background(), ActionRunQuery, json.RawMessage(`{}`))
	assertFailure(t, res, ReasonRollbackUnsupported)
}

type markerExecutor struct {
	name string
}

func (m *markerExecutor) Execute(ctx context.Context, actionType string, payload json.RawMessage) Result {
	raw, _ := json.Marshal(map[string]string{"mode": m.name})
	return Result{Success: true, ResponseRaw: raw}
}

func (m *markerExecutor) Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result {
	return m.Execute(ctx, actionType, payload)
}

func TestRouterDispatch(t *testing.T) {
	dry := &markerExecutor{name: "dry"}
	probe := &markerExecutor{name: "probe"}
	resource := &markerExecutor{name: "resource"}
	query := &markerExecutor{name: "query"}

	cases := []struct {
		actionType string
		flags      Flags
		want       string
	}{
		{ActionHTTPProbe, Flags{}, "dry"},
		{ActionHTTPProbe, Flags{HTTPProbe: true}, "probe"},
		{"HTTP_PROBE", Flags{HTTPProbe: true}, "probe"},
		{ActionResourceRead, Flags{ResourceRead: true}, "resource"},
		{ActionResourceRead, Flags{HTTPProbe: true}, "dry"},
		{ActionRunQuery, Flags{RunQuery: true}, "query"},
		{"restart_service", Flags{HTTPProbe: true, ResourceRead: true, RunQuery: true}, "dry"},
	}
	for _, tc := range cases {
		r := NewRouter(dry, probe, resource, query, tc.flags)
		res := r.Execute(context.Background(), tc.actionType, json.RawMessage(`{}`))
		body := decodeResponse(t, res)
		if body["mode"] != tc.want {
			t.Fatalf("%s with flags %+v routed to %v, want %s", tc.actionType, tc.flags, body["mode"], tc.want)
		}
	}
}
