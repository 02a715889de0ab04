package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opsguard/pkg/actionfsm"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool connects using DATABASE_URL or the discrete DATABASE_*
// variables, retrying until the database answers a ping.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func defaultPostgresURL() string {
	user := strings.TrimSpace(os.Getenv("DATABASE_USER"))
	if user == "" {
		user = "opsguard"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	host := strings.TrimSpace(os.Getenv("DATABASE_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("DATABASE_PORT"))
	if port == "" {
		port = "5432"
	}
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := strings.TrimSpace(os.Getenv("DATABASE_NAME"))
	if dbName == "" {
		dbName = "opsguard"
	}
	sslmode := strings.TrimSpace(os.Getenv("DATABASE_SSLMODE"))
	if sslmode == "" {
		sslmode = "disable"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + dbName,
	}
	if password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

// PostgresRepository stores action records in three tables: an aggregate
// header plus append-only approval and execution-log rows.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (p *PostgresRepository) CreateActionRecord(ctx context.Context, rec *actionfsm.ActionRecord) error {
	rec.Version = 1
	_, err := p.pool.Exec(ctx, `
		INSERT INTO action_records
			(id, tenant, run_id, action_type, proposed_payload, rollback_payload,
			 manual_rollback_guidance, status, rollback_status, outcome,
			 rollback_outcome, created_at, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.Tenant, rec.RunID, rec.ActionType,
		rawOrNil(rec.ProposedPayloadRaw), rawOrNil(rec.RollbackPayloadRaw),
		rec.ManualRollbackGuidance, rec.Status, rec.RollbackStatus,
		rawOrNil(rec.OutcomeRaw), rawOrNil(rec.RollbackOutcomeRaw),
		rec.CreatedAt, rec.CompletedAt, rec.Version)
	if err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	return nil
}

func (p *PostgresRepository) GetByID(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	rec := &actionfsm.ActionRecord{}
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant, run_id, action_type, proposed_payload, rollback_payload,
		       manual_rollback_guidance, status, rollback_status, outcome,
		       rollback_outcome, created_at, completed_at, version
		FROM action_records WHERE id = $1`, id).Scan(
		&rec.ID, &rec.Tenant, &rec.RunID, &rec.ActionType,
		&rec.ProposedPayloadRaw, &rec.RollbackPayloadRaw,
		&rec.ManualRollbackGuidance, &rec.Status, &rec.RollbackStatus,
		&rec.OutcomeRaw, &rec.RollbackOutcomeRaw,
		&rec.CreatedAt, &rec.CompletedAt, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select action record: %w", err)
	}
	if err := p.loadApprovals(ctx, rec); err != nil {
		return nil, err
	}
	if err := p.loadLogs(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresRepository) loadApprovals(ctx context.Context, rec *actionfsm.ActionRecord) error {
	rows, err := p.pool.Query(ctx, `
		SELECT action_record_id, phase, approver_identity, decision, reason, created_at
		FROM approval_records WHERE action_record_id = $1 ORDER BY id`, rec.ID)
	if err != nil {
		return fmt.Errorf("select approvals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a actionfsm.ApprovalRecord
		if err := rows.Scan(&a.ActionRecordID, &a.Phase, &a.ApproverIdentity, &a.Decision, &a.Reason, &a.CreatedAt); err != nil {
			return fmt.Errorf("scan approval: %w", err)
		}
		rec.Approvals = append(rec.Approvals, a)
	}
	return rows.Err()
}

func (p *PostgresRepository) loadLogs(ctx context.Context, rec *actionfsm.ActionRecord) error {
	rows, err := p.pool.Query(ctx, `
		SELECT action_record_id, phase, request, response, success, duration_ms, created_at
		FROM execution_logs WHERE action_record_id = $1 ORDER BY id`, rec.ID)
	if err != nil {
		return fmt.Errorf("select execution logs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l actionfsm.ExecutionLog
		if err := rows.Scan(&l.ActionRecordID, &l.Phase, &l.RequestRaw, &l.ResponseRaw, &l.Success, &l.DurationMS, &l.CreatedAt); err != nil {
			return fmt.Errorf("scan execution log: %w", err)
		}
		rec.Logs = append(rec.Logs, l)
	}
	return rows.Err()
}

// Save updates the aggregate header guarded by the version column. The version
// the caller loaded must still be current, otherwise another writer won.
func (p *PostgresRepository) Save(ctx context.Context, rec *actionfsm.ActionRecord) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE action_records SET
			status = $2, rollback_status = $3, outcome = $4, rollback_outcome = $5,
			completed_at = $6, version = version + 1
		WHERE id = $1 AND version = $7`,
		rec.ID, rec.Status, rec.RollbackStatus,
		rawOrNil(rec.OutcomeRaw), rawOrNil(rec.RollbackOutcomeRaw),
		rec.CompletedAt, rec.Version)
	if err != nil {
		return fmt.Errorf("update action record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM action_records WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check action record: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: id %s version %d", ErrVersionConflict, rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

func (p *PostgresRepository) AppendApproval(ctx context.Context, approval actionfsm.ApprovalRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO approval_records (action_record_id, phase, approver_identity, decision, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		approval.ActionRecordID, approval.Phase, approval.ApproverIdentity,
		approval.Decision, approval.Reason, approval.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (p *PostgresRepository) AppendExecutionLog(ctx context.Context, entry actionfsm.ExecutionLog) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO execution_logs (action_record_id, phase, request, response, success, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ActionRecordID, entry.Phase, rawOrNil(entry.RequestRaw), rawOrNil(entry.ResponseRaw),
		entry.Success, entry.DurationMS, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func (p *PostgresRepository) QueryByTenant(ctx context.Context, filter TenantFilter) ([]*actionfsm.ActionRecord, error) {
	query := `
		SELECT id, tenant, run_id, action_type, proposed_payload, rollback_payload,
		       manual_rollback_guidance, status, rollback_status, outcome,
		       rollback_outcome, created_at, completed_at, version
		FROM action_records WHERE 1=1`
	args := []interface{}{}
	if filter.Tenant != "" {
		args = append(args, filter.Tenant)
		query += fmt.Sprintf(" AND lower(tenant) = lower($%d)", len(args))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.ActionType != "" {
		args = append(args, filter.ActionType)
		query += fmt.Sprintf(" AND lower(action_type) = lower($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query action records: %w", err)
	}
	defer rows.Close()
	var out []*actionfsm.ActionRecord
	for rows.Next() {
		rec := &actionfsm.ActionRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Tenant, &rec.RunID, &rec.ActionType,
			&rec.ProposedPayloadRaw, &rec.RollbackPayloadRaw,
			&rec.ManualRollbackGuidance, &rec.Status, &rec.RollbackStatus,
			&rec.OutcomeRaw, &rec.RollbackOutcomeRaw,
			&rec.CreatedAt, &rec.CompletedAt, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func rawOrNil(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
