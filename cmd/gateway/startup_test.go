package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opsguard/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func failingRedis(ctx context.Context) (*redis.Client, error) {
	return nil, errors.New("redis down")
}

func unusedDB(ctx context.Context) (*pgxpool.Pool, error) {
	return nil, errors.New("db should not be opened")
}

func devEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("ACTION_CATALOG_JSON", "")
	t.Setenv("TENANT_EXECUTION_POLICY_JSON", "")
	t.Setenv("EXECUTOR_HTTP_PROBE_ENABLED", "false")
	t.Setenv("EXECUTOR_RESOURCE_READ_ENABLED", "false")
	t.Setenv("EXECUTOR_RUN_QUERY_ENABLED", "false")
}

func TestRunGatewayStartsWithMemoryBackend(t *testing.T) {
	devEnv(t)
	var captured *http.Server
	listen := func(server *http.Server) error {
		captured = server
		return nil
	}
	if err := runGateway(noopTelemetry, unusedDB, failingRedis, listen); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("expected a configured http server")
	}
	if captured.Addr != ":8080" {
		t.Fatalf("addr = %q", captured.Addr)
	}
}

func TestRunGatewayRejectsBadCatalogJSON(t *testing.T) {
	devEnv(t)
	t.Setenv("ACTION_CATALOG_JSON", "{not json")
	err := runGateway(noopTelemetry, unusedDB, failingRedis, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "action catalog") {
		t.Fatalf("expected catalog error, got %v", err)
	}
}

func TestRunGatewayRejectsBadTenantPolicyJSON(t *testing.T) {
	devEnv(t)
	t.Setenv("TENANT_EXECUTION_POLICY_JSON", "[]")
	err := runGateway(noopTelemetry, unusedDB, failingRedis, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "tenant execution policy") {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestRunGatewayRejectsUnguardedAuthOff(t *testing.T) {
	devEnv(t)
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")
	err := runGateway(noopTelemetry, unusedDB, failingRedis, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "ALLOW_INSECURE_AUTH_OFF") {
		t.Fatalf("expected auth-off guard error, got %v", err)
	}
}

func TestRunGatewayForbidsAuthOffInProduction(t *testing.T) {
	devEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	err := runGateway(noopTelemetry, unusedDB, failingRedis, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "production") {
		t.Fatalf("expected production guard error, got %v", err)
	}
}

func TestRunGatewayEnforcesProductionHardening(t *testing.T) {
	devEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("AUTH_MODE", "oidc_hs256")
	err := runGateway(noopTelemetry, unusedDB, failingRedis, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "DATABASE_REQUIRE_TLS") {
		t.Fatalf("expected hardening error, got %v", err)
	}
}

func TestRunGatewayPropagatesTelemetryError(t *testing.T) {
	devEnv(t)
	failInit := func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("collector unreachable")
	}
	err := runGateway(failInit, unusedDB, failingRedis, func(*http.Server) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "otel") {
		t.Fatalf("expected telemetry error, got %v", err)
	}
}

func TestStreamEventsOverWebsocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" {
		t.Fatalf("first event type = %q", ready.Type)
	}

	// hub events published after subscribing reach the websocket client
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Events.Publish(stream.NewEvent("action.proposed", map[string]string{"action_id": "act-1"}))
	}()
	var evt stream.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != "action.proposed" {
		t.Fatalf("event type = %q", evt.Type)
	}
	if !strings.Contains(string(evt.Data), "act-1") {
		t.Fatalf("event data = %s", evt.Data)
	}
}
