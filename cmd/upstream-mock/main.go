// Command upstream-mock is a local stand-in for the management and query
// endpoints the real executors call. It serves a probe target, a resource
// read endpoint, and a query endpoint so the gateway can be exercised end to
// end without cloud credentials.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"opsguard/pkg/httpx"
	"opsguard/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runUpstreamMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

func handleProbe(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]string{"status": "healthy", "service": "upstream-mock"})
}

func handleResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		httpx.Error(w, 400, "id required")
		return
	}
	if strings.Contains(strings.ToLower(id), "missing") {
		httpx.Error(w, 404, "resource not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"id":         id,
		"state":      "Running",
		"location":   "westeurope",
		"fetched_at": time.Now().UTC().Format(time.RFC3339),
	})
}

type queryRequest struct {
	WorkspaceID     string `json:"workspace_id"`
	Query           string `json:"query"`
	TimespanMinutes int    `json:"timespan_minutes"`
}

func handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		httpx.Error(w, 400, "query required")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"workspace_id":     req.WorkspaceID,
		"timespan_minutes": req.TimespanMinutes,
		"rows": []map[string]any{
			{"timestamp": time.Now().UTC().Format(time.RFC3339), "message": "ok", "count": "1"},
		},
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runUpstreamMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "upstream-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("upstream-mock"))
	r.Get("/health", handleProbe)
	r.Get("/resources", handleResource)
	r.Post("/query", handleQuery)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "upstream-mock"})
	})

	addr := env("ADDR", ":8085")
	log.Printf("upstream-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
