package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"opsguard/pkg/actionfsm"
	"opsguard/pkg/auth"
	"opsguard/pkg/catalog"
	"opsguard/pkg/cloudapi"
	"opsguard/pkg/eventbus"
	"opsguard/pkg/executor"
	"opsguard/pkg/hardening"
	"opsguard/pkg/httpx"
	"opsguard/pkg/metrics"
	"opsguard/pkg/orchestrator"
	"opsguard/pkg/policy"
	"opsguard/pkg/store"
	"opsguard/pkg/stream"
	"opsguard/pkg/telemetry"
	"opsguard/pkg/throttle"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Repo                store.Repository
	Orchestrator        *orchestrator.Orchestrator
	Metrics             *metrics.Registry
	Events              *stream.Hub
	AuthMode            string
	AuthSecret          string
	ExecutionEnabled    bool
	MaxRequestBodyBytes int64
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = store.NewPostgresPool
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "oidc_hs256")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "gateway",
		Environment:            runtimeEnv,
		StrictProdSecurity:     env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:     env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:              env("REDIS_ADDR", ""),
		RedisRequireTLS:        env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:     env("CORS_ALLOWED_ORIGINS", ""),
		ExecutionEnabled:       env("EXECUTION_ENABLED", "false"),
		ResourceReadEnabled:    env("EXECUTOR_RESOURCE_READ_ENABLED", "false"),
		ResourceScopeAllowlist: env("RESOURCE_SCOPE_ALLOWLIST", ""),
		QueryRunEnabled:        env("EXECUTOR_RUN_QUERY_ENABLED", "false"),
		WorkspaceAllowlist:     env("QUERY_WORKSPACE_ALLOWLIST", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_JWT_SECRET", Value: env("AUTH_JWT_SECRET", "")},
		},
	}); err != nil {
		return err
	}

	var repo store.Repository
	if env("STORE_BACKEND", "postgres") == "memory" {
		repo = store.NewMemoryRepository()
	} else {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		repo = store.NewPostgresRepository(pool)
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory throttle counters: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	var counterStore throttle.CounterStore
	if redisClient != nil {
		counterStore = throttle.NewRedisStore(redisClient)
	} else {
		counterStore = throttle.NewMemoryStore()
	}
	thr := throttle.New(throttleConfigFromEnv(), counterStore)

	cat, err := catalog.ParseJSON(env("ACTION_CATALOG_JSON", ""))
	if err != nil {
		return fmt.Errorf("action catalog: %w", err)
	}
	tenantPolicy, err := policy.ParseTenantExecutionPolicyJSON(env("TENANT_EXECUTION_POLICY_JSON", ""))
	if err != nil {
		return fmt.Errorf("tenant execution policy: %w", err)
	}
	proposal := policy.NewProposalPolicy(splitList(env("PROPOSAL_BLOCKED_ACTION_TYPES", "")))

	exec, err := buildExecutor()
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	events := []orchestrator.Events{hub}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: splitList(brokers),
			Topic:   env("KAFKA_ACTION_EVENTS_TOPIC", "opsguard.action-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		events = append(events, publisher)
	}

	orc := orchestrator.New(repo, cat, proposal, tenantPolicy, thr, exec).
		WithCounters(reg).
		WithEvents(multiEvents(events))

	s := &Server{
		Repo:                repo,
		Orchestrator:        orc,
		Metrics:             reg,
		Events:              hub,
		AuthMode:            authMode,
		AuthSecret:          env("AUTH_JWT_SECRET", ""),
		ExecutionEnabled:    env("EXECUTION_ENABLED", "false") == "true",
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	r := s.routes()

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_JWT_ISSUER", "")),
		auth.WithAudience(env("AUTH_JWT_AUDIENCE", "")),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/actions", s.withRoles(s.proposeAction, auth.RoleAgent, auth.RoleOperator))
	authRouter.Get("/v1/actions", s.withRoles(s.listActions, auth.RoleAgent, auth.RoleOperator, auth.RoleApprover))
	authRouter.Get("/v1/actions/{action_id}", s.withRoles(s.getAction, auth.RoleAgent, auth.RoleOperator, auth.RoleApprover))
	authRouter.Post("/v1/actions/{action_id}/approve", s.withRoles(s.approveAction, auth.RoleApprover))
	authRouter.Post("/v1/actions/{action_id}/reject", s.withRoles(s.rejectAction, auth.RoleApprover))
	authRouter.Post("/v1/actions/{action_id}/execute", s.withRoles(s.executeAction, auth.RoleOperator))
	authRouter.Post("/v1/actions/{action_id}/rollback/request", s.withRoles(s.requestRollback, auth.RoleOperator))
	authRouter.Post("/v1/actions/{action_id}/rollback/approve", s.withRoles(s.approveRollback, auth.RoleApprover))
	authRouter.Post("/v1/actions/{action_id}/rollback/execute", s.withRoles(s.executeRollback, auth.RoleOperator))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, auth.RoleOperator, auth.RoleApprover))
	r.Mount("/", authRouter)
	return r
}

// throttleConfigFromEnv reads the execution throttle settings. The throttle
// is off unless THROTTLE_ENABLED=true is set explicitly.
func throttleConfigFromEnv() throttle.Config {
	return throttle.Config{
		Enabled:              env("THROTTLE_ENABLED", "false") == "true",
		WindowSeconds:        envInt("THROTTLE_WINDOW_SEC", 60),
		MaxAttemptsPerWindow: envInt("THROTTLE_MAX_PER_WINDOW", 5),
	}
}

// buildExecutor assembles the routing executor from environment flags. A
// disabled or unconfigured action type always lands on the dry-run executor.
func buildExecutor() (executor.Executor, error) {
	flags := executor.Flags{
		HTTPProbe:    env("EXECUTOR_HTTP_PROBE_ENABLED", "false") == "true",
		ResourceRead: env("EXECUTOR_RESOURCE_READ_ENABLED", "false") == "true",
		RunQuery:     env("EXECUTOR_RUN_QUERY_ENABLED", "false") == "true",
	}
	upstreamTimeout := time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 30000))
	client := telemetry.InstrumentClient(&http.Client{Timeout: upstreamTimeout})

	var probe executor.Executor
	if flags.HTTPProbe {
		p := executor.NewHTTPProbe(client)
		p.DefaultTimeout = time.Millisecond * time.Duration(envInt("PROBE_TIMEOUT_MS", 5000))
		p.MaxBody = int64(envInt("PROBE_MAX_BODY_BYTES", 4096))
		probe = p
	}
	var resource executor.Executor
	if flags.ResourceRead {
		baseURL := env("RESOURCE_API_URL", "")
		if baseURL == "" {
			return nil, errors.New("EXECUTOR_RESOURCE_READ_ENABLED requires RESOURCE_API_URL")
		}
		rr := executor.NewResourceRead(cloudapi.HTTPResourceAPI{
			Client:  client,
			BaseURL: baseURL,
			Token:   env("RESOURCE_API_TOKEN", ""),
		}, splitList(env("RESOURCE_SCOPE_ALLOWLIST", "")))
		rr.Timeout = time.Millisecond * time.Duration(envInt("RESOURCE_READ_TIMEOUT_MS", 10000))
		resource = rr
	}
	var query executor.Executor
	if flags.RunQuery {
		baseURL := env("QUERY_API_URL", "")
		if baseURL == "" {
			return nil, errors.New("EXECUTOR_RUN_QUERY_ENABLED requires QUERY_API_URL")
		}
		qr := executor.NewQueryRun(cloudapi.HTTPQueryAPI{
			Client:  client,
			BaseURL: baseURL,
			Token:   env("QUERY_API_TOKEN", ""),
		}, splitList(env("QUERY_WORKSPACE_ALLOWLIST", "")))
		qr.Timeout = time.Millisecond * time.Duration(envInt("QUERY_TIMEOUT_MS", 30000))
		query = qr
	}
	return executor.NewRouter(executor.NewDryRun(), probe, resource, query, flags), nil
}

// multiEvents fans one lifecycle event out to every sink.
type multiEvents []orchestrator.Events

func (m multiEvents) PublishActionEvent(ctx context.Context, eventType string, rec *actionfsm.ActionRecord) {
	for _, sink := range m {
		sink.PublishActionEvent(ctx, eventType, rec)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") || s.AuthMode == "" {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	return splitList(raw)
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
