package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opsguard/pkg/actionfsm"
	"opsguard/pkg/catalog"
	"opsguard/pkg/executor"
	"opsguard/pkg/metrics"
	"opsguard/pkg/orchestrator"
	"opsguard/pkg/policy"
	"opsguard/pkg/store"
	"opsguard/pkg/stream"
	"opsguard/pkg/throttle"
)

func newTestServer(t *testing.T, mutate ...func(*Server)) *Server {
	t.Helper()
	repo := store.NewMemoryRepository()
	cat, err := catalog.ParseJSON("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	tenantPolicy := policy.NewTenantExecutionPolicy(map[string][]string{
		"http_probe": {"acme"},
		"run_query":  {"acme"},
	})
	thr := throttle.New(throttle.Config{Enabled: true, WindowSeconds: 60, MaxAttemptsPerWindow: 100}, throttle.NewMemoryStore())
	exec := executor.NewRouter(executor.NewDryRun(), nil, nil, nil, executor.Flags{})
	orc := orchestrator.New(repo, cat, policy.NewProposalPolicy(nil), tenantPolicy, thr, exec)
	reg := metrics.NewRegistry()
	orc = orc.WithCounters(reg)
	s := &Server{
		Repo:                repo,
		Orchestrator:        orc,
		Metrics:             reg,
		Events:              stream.NewHub(),
		AuthMode:            "off",
		ExecutionEnabled:    true,
		MaxRequestBodyBytes: 1 << 20,
	}
	for _, m := range mutate {
		m(s)
	}
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, []byte) {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, rr.Body.Bytes()
}

func decodeRecord(t *testing.T, raw []byte) actionfsm.ActionRecord {
	t.Helper()
	var rec actionfsm.ActionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode record: %v (%s)", err, raw)
	}
	return rec
}

func proposeBody() proposeRequest {
	return proposeRequest{
		Tenant:          "acme",
		RunID:           "run-1",
		ActionType:      "http_probe",
		Payload:         json.RawMessage(`{"url":"https://example.com/health"}`),
		RollbackPayload: json.RawMessage(`{"url":"https://example.com/revert"}`),
	}
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr, body := doJSON(t, h, http.MethodPost, "/v1/actions", proposeBody(), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("propose status = %d body=%s", rr.Code, body)
	}
	rec := decodeRecord(t, body)
	if rec.Status != actionfsm.StatusProposed || rec.RollbackStatus != actionfsm.RollbackAvailable {
		t.Fatalf("unexpected proposed record %+v", rec)
	}

	rr, body = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/approve", decisionRequest{Reason: "safe", Approver: "alice"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d body=%s", rr.Code, body)
	}
	approved := decodeRecord(t, body)
	if approved.Status != actionfsm.StatusApproved {
		t.Fatalf("status after approve = %s", approved.Status)
	}
	if len(approved.Approvals) != 1 || approved.Approvals[0].ApproverIdentity != "alice" {
		t.Fatalf("unexpected approvals %+v", approved.Approvals)
	}

	rr, body = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/execute", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("execute status = %d body=%s", rr.Code, body)
	}
	done := decodeRecord(t, body)
	if done.Status != actionfsm.StatusCompleted {
		t.Fatalf("status after execute = %s", done.Status)
	}
	if len(done.Logs) != 1 || !done.Logs[0].Success {
		t.Fatalf("unexpected logs %+v", done.Logs)
	}

	// record is terminal, a second execute is a conflict
	rr, body = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/execute", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("replayed execute status = %d body=%s", rr.Code, body)
	}

	rr, body = doJSON(t, h, http.MethodGet, "/v1/actions/"+rec.ID, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	fetched := decodeRecord(t, body)
	if fetched.Status != actionfsm.StatusCompleted {
		t.Fatalf("fetched status = %s", fetched.Status)
	}
}

func TestRollbackLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	_, body := doJSON(t, h, http.MethodPost, "/v1/actions", proposeBody(), nil)
	rec := decodeRecord(t, body)
	doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/approve", decisionRequest{Approver: "alice"}, nil)
	doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/execute", nil, nil)

	rr, body := doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/rollback/request", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rollback request status = %d body=%s", rr.Code, body)
	}
	rr, body = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/rollback/approve", decisionRequest{Approver: "bob"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rollback approve status = %d body=%s", rr.Code, body)
	}
	rr, body = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/rollback/execute", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rollback execute status = %d body=%s", rr.Code, body)
	}
	rolled := decodeRecord(t, body)
	if rolled.RollbackStatus != actionfsm.RollbackRolledBack {
		t.Fatalf("rollback status = %s", rolled.RollbackStatus)
	}
	if len(rolled.Logs) != 2 {
		t.Fatalf("expected 2 execution logs, got %d", len(rolled.Logs))
	}
}

func TestExecuteDisabledReturns501BeforeLookup(t *testing.T) {
	s := newTestServer(t, func(s *Server) { s.ExecutionEnabled = false })
	h := s.routes()

	// even a nonexistent id must get 501, not 404
	rr, _ := doJSON(t, h, http.MethodPost, "/v1/actions/no-such-id/execute", nil, nil)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("execute status = %d, want 501", rr.Code)
	}
	rr, _ = doJSON(t, h, http.MethodPost, "/v1/actions/no-such-id/rollback/execute", nil, nil)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("rollback execute status = %d, want 501", rr.Code)
	}
}

func TestTenantPolicyDenialMapsTo400(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	body := proposeBody()
	body.Tenant = "globex" // not in the execution allowlist
	_, raw := doJSON(t, h, http.MethodPost, "/v1/actions", body, nil)
	rec := decodeRecord(t, raw)
	doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/approve", decisionRequest{Approver: "alice"}, nil)

	rr, raw := doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/execute", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("execute status = %d body=%s", rr.Code, raw)
	}
	var errBody policyErrorBody
	if err := json.Unmarshal(raw, &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.ReasonCode != policy.ReasonTenantNotAuthorized {
		t.Fatalf("reason code = %q", errBody.ReasonCode)
	}
	// the record stays APPROVED and can be retried later
	_, raw = doJSON(t, h, http.MethodGet, "/v1/actions/"+rec.ID, nil, nil)
	if got := decodeRecord(t, raw).Status; got != actionfsm.StatusApproved {
		t.Fatalf("status after denial = %s", got)
	}
}

func TestThrottledExecuteReturns429WithRetryAfter(t *testing.T) {
	s := newTestServer(t, func(s *Server) {
		repo := s.Repo
		cat, _ := catalog.ParseJSON("")
		tenantPolicy := policy.NewTenantExecutionPolicy(map[string][]string{"http_probe": {"acme"}})
		thr := throttle.New(throttle.Config{Enabled: true, WindowSeconds: 60, MaxAttemptsPerWindow: 2}, throttle.NewMemoryStore())
		exec := executor.NewRouter(executor.NewDryRun(), nil, nil, nil, executor.Flags{})
		s.Orchestrator = orchestrator.New(repo, cat, policy.NewProposalPolicy(nil), tenantPolicy, thr, exec).WithCounters(s.Metrics)
	})
	h := s.routes()

	var ids []string
	for i := 0; i < 3; i++ {
		body := proposeBody()
		body.RunID = fmt.Sprintf("run-%d", i)
		_, raw := doJSON(t, h, http.MethodPost, "/v1/actions", body, nil)
		rec := decodeRecord(t, raw)
		doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/approve", decisionRequest{Approver: "alice"}, nil)
		ids = append(ids, rec.ID)
	}
	for i := 0; i < 2; i++ {
		rr, raw := doJSON(t, h, http.MethodPost, "/v1/actions/"+ids[i]+"/execute", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("execute %d status = %d body=%s", i, rr.Code, raw)
		}
	}
	rr, raw := doJSON(t, h, http.MethodPost, "/v1/actions/"+ids[2]+"/execute", nil, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled execute status = %d body=%s", rr.Code, raw)
	}
	var errBody throttleErrorBody
	if err := json.Unmarshal(raw, &errBody); err != nil {
		t.Fatalf("decode throttle body: %v", err)
	}
	if errBody.ReasonCode != throttle.ReasonThrottled {
		t.Fatalf("reason code = %q", errBody.ReasonCode)
	}
	if errBody.RetryAfterSeconds < 1 || errBody.RetryAfterSeconds > 60 {
		t.Fatalf("retryAfterSeconds = %d", errBody.RetryAfterSeconds)
	}
	if got := rr.Header().Get("Retry-After"); got != fmt.Sprintf("%d", errBody.RetryAfterSeconds) {
		t.Fatalf("Retry-After header %q does not match body %d", got, errBody.RetryAfterSeconds)
	}
	// the throttled record stays APPROVED
	_, raw = doJSON(t, h, http.MethodGet, "/v1/actions/"+ids[2], nil, nil)
	if got := decodeRecord(t, raw).Status; got != actionfsm.StatusApproved {
		t.Fatalf("status after throttle = %s", got)
	}
}

func TestProposeValidation(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	rr, _ := doJSON(t, h, http.MethodPost, "/v1/actions", map[string]string{"tenant": "acme"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing actionType status = %d", rr.Code)
	}
	body := proposeBody()
	body.Payload = nil
	rr, _ = doJSON(t, h, http.MethodPost, "/v1/actions", body, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing payload status = %d", rr.Code)
	}
}

func TestProposeCatalogDenial(t *testing.T) {
	s := newTestServer(t, func(s *Server) {
		cat, _ := catalog.ParseJSON(`[{"action_type":"resource_read","enabled":true}]`)
		thr := throttle.New(throttle.Config{Enabled: false}, nil)
		exec := executor.NewRouter(executor.NewDryRun(), nil, nil, nil, executor.Flags{})
		s.Orchestrator = orchestrator.New(s.Repo, cat, policy.NewProposalPolicy(nil),
			policy.NewTenantExecutionPolicy(nil), thr, exec)
	})
	h := s.routes()

	rr, raw := doJSON(t, h, http.MethodPost, "/v1/actions", proposeBody(), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("catalog denial status = %d body=%s", rr.Code, raw)
	}
	var errBody policyErrorBody
	if err := json.Unmarshal(raw, &errBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errBody.ReasonCode != policy.ReasonActionTypeBlocked {
		t.Fatalf("reason code = %q", errBody.ReasonCode)
	}
}

func TestGetActionNotFound(t *testing.T) {
	s := newTestServer(t)
	rr, _ := doJSON(t, s.routes(), http.MethodGet, "/v1/actions/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestListActions_Gateway(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()
	for i := 0; i < 3; i++ {
		body := proposeBody()
		body.RunID = fmt.Sprintf("run-%d", i)
		doJSON(t, h, http.MethodPost, "/v1/actions", body, nil)
	}

	rr, raw := doJSON(t, h, http.MethodGet, "/v1/actions?tenant=acme&limit=2", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d body=%s", rr.Code, raw)
	}
	var records []actionfsm.ActionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	rr, _ = doJSON(t, h, http.MethodGet, "/v1/actions", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant status = %d", rr.Code)
	}
	rr, raw = doJSON(t, h, http.MethodGet, "/v1/actions?tenant=globex", nil, nil)
	if rr.Code != http.StatusOK || string(bytes.TrimSpace(raw)) != "[]" {
		t.Fatalf("empty tenant list = %d %s", rr.Code, raw)
	}
}

func makeHS256Token(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func TestRoleEnforcement(t *testing.T) {
	s := newTestServer(t, func(s *Server) {
		s.AuthMode = "oidc_hs256"
		s.AuthSecret = "test-secret"
	})
	h := s.routes()

	exp := time.Now().Add(time.Hour).Unix()
	agentToken := makeHS256Token(t, "test-secret", map[string]any{"sub": "agent-1", "roles": []string{"agent"}, "exp": exp})
	approverToken := makeHS256Token(t, "test-secret", map[string]any{"sub": "carol", "roles": []string{"approver"}, "exp": exp})

	rr, _ := doJSON(t, h, http.MethodPost, "/v1/actions", proposeBody(), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rr.Code)
	}

	rr, raw := doJSON(t, h, http.MethodPost, "/v1/actions", proposeBody(), map[string]string{"Authorization": "Bearer " + agentToken})
	if rr.Code != http.StatusCreated {
		t.Fatalf("agent propose status = %d body=%s", rr.Code, raw)
	}
	rec := decodeRecord(t, raw)

	rr, _ = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/approve", decisionRequest{}, map[string]string{"Authorization": "Bearer " + agentToken})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("agent approve status = %d, want 403", rr.Code)
	}

	rr, raw = doJSON(t, h, http.MethodPost, "/v1/actions/"+rec.ID+"/approve", decisionRequest{Approver: "ignored"}, map[string]string{"Authorization": "Bearer " + approverToken})
	if rr.Code != http.StatusOK {
		t.Fatalf("approver approve status = %d body=%s", rr.Code, raw)
	}
	approved := decodeRecord(t, raw)
	if approved.Approvals[0].ApproverIdentity != "carol" {
		t.Fatalf("approver identity = %q, want principal subject", approved.Approvals[0].ApproverIdentity)
	}
}

func TestMetricsMiddlewareObservesEndpoints(t *testing.T) {
	s := newTestServer(t)
	handler := s.metricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	snap := s.Metrics.Snapshot()
	stat, ok := snap.Endpoints["POST /v1/actions"]
	if !ok {
		t.Fatalf("expected endpoint entry, snapshot=%#v", snap.Endpoints)
	}
	if stat.Count != 1 || stat.LastStatusCode != http.StatusCreated {
		t.Fatalf("unexpected endpoint stats: %#v", stat)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rr, raw := doJSON(t, s.routes(), http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	if !bytes.Contains(raw, []byte(`"ok"`)) {
		t.Fatalf("unexpected healthz body %s", raw)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, b ,, c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("splitList = %#v", got)
	}
	if splitList("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestBuildExecutorFlagValidation(t *testing.T) {
	t.Setenv("EXECUTOR_RESOURCE_READ_ENABLED", "true")
	t.Setenv("RESOURCE_API_URL", "")
	if _, err := buildExecutor(); err == nil {
		t.Fatal("expected error when resource read enabled without RESOURCE_API_URL")
	}
	t.Setenv("RESOURCE_API_URL", "http://resources.internal")
	t.Setenv("EXECUTOR_RUN_QUERY_ENABLED", "true")
	t.Setenv("QUERY_API_URL", "")
	if _, err := buildExecutor(); err == nil {
		t.Fatal("expected error when run query enabled without QUERY_API_URL")
	}
	t.Setenv("QUERY_API_URL", "http://query.internal")
	if _, err := buildExecutor(); err != nil {
		t.Fatalf("buildExecutor: %v", err)
	}
}

func TestBuildExecutorWiresTimeoutsFromEnv(t *testing.T) {
	t.Setenv("EXECUTOR_HTTP_PROBE_ENABLED", "true")
	t.Setenv("PROBE_TIMEOUT_MS", "1500")
	t.Setenv("PROBE_MAX_BODY_BYTES", "2048")
	t.Setenv("EXECUTOR_RESOURCE_READ_ENABLED", "true")
	t.Setenv("RESOURCE_API_URL", "http://resources.internal")
	t.Setenv("RESOURCE_READ_TIMEOUT_MS", "4000")
	t.Setenv("EXECUTOR_RUN_QUERY_ENABLED", "true")
	t.Setenv("QUERY_API_URL", "http://query.internal")
	t.Setenv("QUERY_TIMEOUT_MS", "7000")

	exec, err := buildExecutor()
	if err != nil {
		t.Fatalf("buildExecutor: %v", err)
	}
	router, ok := exec.(*executor.Router)
	if !ok {
		t.Fatalf("executor type = %T", exec)
	}
	probe, ok := router.Probe.(*executor.HTTPProbe)
	if !ok {
		t.Fatalf("probe type = %T", router.Probe)
	}
	if probe.DefaultTimeout != 1500*time.Millisecond || probe.MaxBody != 2048 {
		t.Fatalf("probe timeout=%v maxBody=%d", probe.DefaultTimeout, probe.MaxBody)
	}
	resource, ok := router.Resource.(*executor.ResourceRead)
	if !ok {
		t.Fatalf("resource type = %T", router.Resource)
	}
	if resource.Timeout != 4*time.Second {
		t.Fatalf("resource timeout = %v", resource.Timeout)
	}
	query, ok := router.Query.(*executor.QueryRun)
	if !ok {
		t.Fatalf("query type = %T", router.Query)
	}
	if query.Timeout != 7*time.Second {
		t.Fatalf("query timeout = %v", query.Timeout)
	}
}

func TestThrottleConfigDefaultsDisabled(t *testing.T) {
	t.Setenv("THROTTLE_ENABLED", "")
	t.Setenv("THROTTLE_WINDOW_SEC", "")
	t.Setenv("THROTTLE_MAX_PER_WINDOW", "")

	cfg := throttleConfigFromEnv()
	if cfg.Enabled {
		t.Fatal("throttle must be off unless THROTTLE_ENABLED=true")
	}
	if cfg.WindowSeconds != 60 || cfg.MaxAttemptsPerWindow != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	t.Setenv("THROTTLE_ENABLED", "true")
	t.Setenv("THROTTLE_WINDOW_SEC", "30")
	t.Setenv("THROTTLE_MAX_PER_WINDOW", "10")
	cfg = throttleConfigFromEnv()
	if !cfg.Enabled || cfg.WindowSeconds != 30 || cfg.MaxAttemptsPerWindow != 10 {
		t.Fatalf("unexpected configured values: %+v", cfg)
	}
}

func TestProposeRejectsMalformedPayloadJSON(t *testing.T) {
	s := newTestServer(t)
	h := s.routes()

	body := `{"tenant":"acme","actionType":"restart_service","payload":{oops}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload status = %d body=%s", rr.Code, rr.Body.String())
	}
}
