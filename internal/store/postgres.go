package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanlabs/hookd/internal/domain"
)

// PostgresStore is the primary durable backend: append-only tables and
// row-level atomic operations backed by Postgres's own fsync'd WAL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials dsn, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orchestrations (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			hook_event TEXT NOT NULL,
			project_root TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			worst_exit_code INTEGER NOT NULL DEFAULT 0,
			fail_fast BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS hook_events (
			orchestration_id TEXT NOT NULL REFERENCES orchestrations(id) ON DELETE CASCADE,
			event TEXT NOT NULL,
			session_id TEXT,
			cwd TEXT NOT NULL,
			hook_ids JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (orchestration_id, recorded_at)
		)`,
		`CREATE TABLE IF NOT EXISTS hook_invocations (
			id TEXT PRIMARY KEY,
			orchestration_id TEXT NOT NULL REFERENCES orchestrations(id) ON DELETE CASCADE,
			plugin TEXT NOT NULL,
			hook_name TEXT NOT NULL,
			directory TEXT NOT NULL,
			command TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			stdout_bytes BIGINT NOT NULL DEFAULT 0,
			stderr_bytes BIGINT NOT NULL DEFAULT 0,
			fingerprint TEXT,
			error TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invocations_nonterminal
			ON hook_invocations(orchestration_id, plugin, hook_name, directory)
			WHERE status IN ('pending', 'running')`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			fingerprint TEXT PRIMARY KEY,
			exit_code INTEGER NOT NULL,
			stdout_ref TEXT,
			stderr_ref TEXT,
			produced_at TIMESTAMPTZ NOT NULL,
			plugin_files_digest TEXT,
			config_digest TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS attempt_counters (
			session_or_project TEXT NOT NULL,
			plugin TEXT NOT NULL,
			hook_name TEXT NOT NULL,
			directory TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			PRIMARY KEY (session_or_project, plugin, hook_name, directory)
		)`,
		`CREATE TABLE IF NOT EXISTS deferred_hooks (
			id TEXT PRIMARY KEY,
			orchestration_id TEXT NOT NULL,
			plugin TEXT NOT NULL,
			hook_name TEXT NOT NULL,
			directory TEXT NOT NULL,
			command TEXT NOT NULL,
			status TEXT NOT NULL,
			queued_at TIMESTAMPTZ NOT NULL,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deferred_session ON deferred_hooks(orchestration_id)`,
		`CREATE TABLE IF NOT EXISTS slot_leases (
			directory TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS failure_tokens (
			orchestration_id TEXT PRIMARY KEY,
			first_failure_at TIMESTAMPTZ NOT NULL,
			failed_invocation_id TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordInvocation(ctx context.Context, inv *domain.HookInvocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hook_invocations
			(id, orchestration_id, plugin, hook_name, directory, command, status,
			 exit_code, started_at, ended_at, duration_ms, stdout_bytes, stderr_bytes,
			 fingerprint, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		inv.ID, inv.OrchestrationID, inv.Plugin, inv.HookName, inv.Directory, inv.Command, inv.Status,
		inv.ExitCode, inv.StartedAt, inv.EndedAt, inv.DurationMs, inv.StdoutBytes, inv.StderrBytes,
		inv.Fingerprint, inv.Error,
	)
	if err != nil {
		if isPGUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateInvocation(ctx context.Context, inv *domain.HookInvocation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hook_invocations SET
			status=$2, exit_code=$3, started_at=$4, ended_at=$5, duration_ms=$6,
			stdout_bytes=$7, stderr_bytes=$8, fingerprint=$9, error=$10
		WHERE id=$1`,
		inv.ID, inv.Status, inv.ExitCode, inv.StartedAt, inv.EndedAt, inv.DurationMs,
		inv.StdoutBytes, inv.StderrBytes, inv.Fingerprint, inv.Error,
	)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetInvocation(ctx context.Context, id string) (*domain.HookInvocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, orchestration_id, plugin, hook_name, directory, command, status,
		       exit_code, started_at, ended_at, duration_ms, stdout_bytes, stderr_bytes,
		       fingerprint, error
		FROM hook_invocations WHERE id=$1`, id)
	return scanInvocation(row)
}

func scanInvocation(row pgx.Row) (*domain.HookInvocation, error) {
	inv := &domain.HookInvocation{}
	err := row.Scan(
		&inv.ID, &inv.OrchestrationID, &inv.Plugin, &inv.HookName, &inv.Directory, &inv.Command, &inv.Status,
		&inv.ExitCode, &inv.StartedAt, &inv.EndedAt, &inv.DurationMs, &inv.StdoutBytes, &inv.StderrBytes,
		&inv.Fingerprint, &inv.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invocation: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, rec *domain.HookEventRecord) error {
	hookIDs, err := json.Marshal(rec.HookIDs)
	if err != nil {
		return fmt.Errorf("marshal hook ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hook_events (orchestration_id, event, session_id, cwd, hook_ids, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.OrchestrationID, rec.Event, rec.SessionID, rec.Cwd, hookIDs, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordOrchestration(ctx context.Context, o *domain.Orchestration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestrations (id, session_id, hook_event, project_root, started_at, ended_at, worst_exit_code, fail_fast)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.SessionID, o.HookEvent, o.ProjectRoot, o.StartedAt, o.EndedAt, o.WorstExitCode, o.FailFast,
	)
	if err != nil {
		return fmt.Errorf("record orchestration: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrchestration(ctx context.Context, o *domain.Orchestration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orchestrations SET ended_at=$2, worst_exit_code=$3 WHERE id=$1`,
		o.ID, o.EndedAt, o.WorstExitCode,
	)
	if err != nil {
		return fmt.Errorf("update orchestration: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryOrchestration(ctx context.Context, id string) (*domain.Orchestration, []*domain.HookInvocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, hook_event, project_root, started_at, ended_at, worst_exit_code, fail_fast
		FROM orchestrations WHERE id=$1`, id)

	o := &domain.Orchestration{}
	var sessionID *string
	if err := row.Scan(&o.ID, &sessionID, &o.HookEvent, &o.ProjectRoot, &o.StartedAt, &o.EndedAt, &o.WorstExitCode, &o.FailFast); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("query orchestration: %w", err)
	}
	if sessionID != nil {
		o.SessionID = *sessionID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, orchestration_id, plugin, hook_name, directory, command, status,
		       exit_code, started_at, ended_at, duration_ms, stdout_bytes, stderr_bytes,
		       fingerprint, error
		FROM hook_invocations WHERE orchestration_id=$1 ORDER BY started_at NULLS FIRST`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var invocations []*domain.HookInvocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, nil, err
		}
		invocations = append(invocations, inv)
	}
	return o, invocations, rows.Err()
}

func (s *PostgresStore) CacheLookup(ctx context.Context, fingerprint string) (*domain.CacheEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT fingerprint, exit_code, stdout_ref, stderr_ref, produced_at, plugin_files_digest, config_digest
		FROM cache_entries WHERE fingerprint=$1`, fingerprint)

	entry := &domain.CacheEntry{}
	err := row.Scan(&entry.Fingerprint, &entry.ExitCode, &entry.StdoutRef, &entry.StderrRef,
		&entry.ProducedAt, &entry.PluginFilesDigest, &entry.ConfigDigest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}
	return entry, true, nil
}

func (s *PostgresStore) CacheStore(ctx context.Context, entry *domain.CacheEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cache_entries (fingerprint, exit_code, stdout_ref, stderr_ref, produced_at, plugin_files_digest, config_digest)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (fingerprint) DO UPDATE SET
			exit_code=EXCLUDED.exit_code, stdout_ref=EXCLUDED.stdout_ref, stderr_ref=EXCLUDED.stderr_ref,
			produced_at=EXCLUDED.produced_at, plugin_files_digest=EXCLUDED.plugin_files_digest,
			config_digest=EXCLUDED.config_digest`,
		entry.Fingerprint, entry.ExitCode, entry.StdoutRef, entry.StderrRef,
		entry.ProducedAt, entry.PluginFilesDigest, entry.ConfigDigest,
	)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttemptsGetOrCreate(ctx context.Context, key domain.AttemptKey) (*domain.AttemptCounter, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attempt_counters (session_or_project, plugin, hook_name, directory, consecutive_failures, max_attempts)
		VALUES ($1,$2,$3,$4,0,$5)
		ON CONFLICT (session_or_project, plugin, hook_name, directory) DO UPDATE SET
			session_or_project=attempt_counters.session_or_project
		RETURNING consecutive_failures, max_attempts`,
		key.SessionOrProject, key.Plugin, key.HookName, key.Directory, domain.DefaultMaxAttempts,
	)
	a := &domain.AttemptCounter{Key: key}
	if err := row.Scan(&a.ConsecutiveFailures, &a.MaxAttempts); err != nil {
		return nil, fmt.Errorf("attempts get-or-create: %w", err)
	}
	a.Recompute()
	return a, nil
}

func (s *PostgresStore) AttemptsIncrement(ctx context.Context, key domain.AttemptKey) (*domain.AttemptCounter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE attempt_counters SET consecutive_failures = consecutive_failures + 1
		WHERE session_or_project=$1 AND plugin=$2 AND hook_name=$3 AND directory=$4
		RETURNING consecutive_failures, max_attempts`,
		key.SessionOrProject, key.Plugin, key.HookName, key.Directory,
	)
	a := &domain.AttemptCounter{Key: key}
	if err := row.Scan(&a.ConsecutiveFailures, &a.MaxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("attempts increment: %w", err)
	}
	a.Recompute()
	return a, nil
}

func (s *PostgresStore) AttemptsReset(ctx context.Context, key domain.AttemptKey) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE attempt_counters SET consecutive_failures=0
		WHERE session_or_project=$1 AND plugin=$2 AND hook_name=$3 AND directory=$4`,
		key.SessionOrProject, key.Plugin, key.HookName, key.Directory,
	)
	if err != nil {
		return fmt.Errorf("attempts reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttemptsRaiseMax(ctx context.Context, key domain.AttemptKey, delta int) (*domain.AttemptCounter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE attempt_counters SET max_attempts = max_attempts + $5
		WHERE session_or_project=$1 AND plugin=$2 AND hook_name=$3 AND directory=$4
		RETURNING consecutive_failures, max_attempts`,
		key.SessionOrProject, key.Plugin, key.HookName, key.Directory, delta,
	)
	a := &domain.AttemptCounter{Key: key}
	if err := row.Scan(&a.ConsecutiveFailures, &a.MaxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("attempts raise max: %w", err)
	}
	a.Recompute()
	return a, nil
}

func (s *PostgresStore) DeferredQueue(ctx context.Context, hook *domain.DeferredHook) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deferred_hooks (id, orchestration_id, plugin, hook_name, directory, command, status, queued_at, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		hook.ID, hook.OrchestrationID, hook.Plugin, hook.HookName, hook.Directory, hook.Command,
		hook.Status, hook.QueuedAt, hook.LastError,
	)
	if err != nil {
		return fmt.Errorf("deferred queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeferredComplete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deferred_hooks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("deferred complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeferredList(ctx context.Context, orchestrationID string) ([]*domain.DeferredHook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, orchestration_id, plugin, hook_name, directory, command, status, queued_at, last_error
		FROM deferred_hooks
		WHERE orchestration_id=$1 AND status IN ('pending', 'running', 'failed')
		ORDER BY queued_at`, orchestrationID)
	if err != nil {
		return nil, fmt.Errorf("deferred list: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeferredHook
	for rows.Next() {
		h := &domain.DeferredHook{}
		var lastError *string
		if err := rows.Scan(&h.ID, &h.OrchestrationID, &h.Plugin, &h.HookName, &h.Directory, &h.Command,
			&h.Status, &h.QueuedAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		if lastError != nil {
			h.LastError = *lastError
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SlotTryAcquire inserts a lease row guarded by a per-directory
// advisory lock so the busy-check and insert are atomic across
// concurrent hookd processes sharing one Postgres instance.
func (s *PostgresStore) SlotTryAcquire(ctx context.Context, directory, holder string, ttl time.Duration) (*domain.SlotLease, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin slot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.acquireSlotLock(ctx, tx, directory); err != nil {
		return nil, err
	}

	var existingHolder string
	var deadline time.Time
	err = tx.QueryRow(ctx, `SELECT holder_id, deadline FROM slot_leases WHERE directory=$1`, directory).
		Scan(&existingHolder, &deadline)
	switch {
	case err == nil:
		if time.Now().Before(deadline) {
			return nil, &ErrSlotBusy{Holder: existingHolder, ETA: deadline}
		}
		// Expired lease: fall through and reclaim it.
	case errors.Is(err, pgx.ErrNoRows):
		// No existing lease.
	default:
		return nil, fmt.Errorf("slot lookup: %w", err)
	}

	now := time.Now()
	lease := &domain.SlotLease{Directory: directory, HolderID: holder, AcquiredAt: now, Deadline: now.Add(ttl)}

	_, err = tx.Exec(ctx, `
		INSERT INTO slot_leases (directory, holder_id, acquired_at, deadline)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (directory) DO UPDATE SET
			holder_id=EXCLUDED.holder_id, acquired_at=EXCLUDED.acquired_at, deadline=EXCLUDED.deadline`,
		lease.Directory, lease.HolderID, lease.AcquiredAt, lease.Deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("slot acquire: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit slot tx: %w", err)
	}
	return lease, nil
}

func (s *PostgresStore) SlotRelease(ctx context.Context, lease *domain.SlotLease) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM slot_leases WHERE directory=$1 AND holder_id=$2`,
		lease.Directory, lease.HolderID,
	)
	if err != nil {
		return fmt.Errorf("slot release: %w", err)
	}
	return nil
}

func (s *PostgresStore) SlotExpireSweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM slot_leases WHERE deadline < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("slot sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) FailureLatch(ctx context.Context, orchestrationID, invocationID string) (*domain.FailureToken, bool, error) {
	now := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO failure_tokens (orchestration_id, first_failure_at, failed_invocation_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (orchestration_id) DO UPDATE SET orchestration_id=failure_tokens.orchestration_id
		RETURNING first_failure_at, failed_invocation_id`,
		orchestrationID, now, invocationID,
	)
	tok := &domain.FailureToken{OrchestrationID: orchestrationID}
	if err := row.Scan(&tok.FirstFailureAt, &tok.FailedInvocationID); err != nil {
		return nil, false, fmt.Errorf("failure latch: %w", err)
	}
	won := tok.FailedInvocationID == invocationID && tok.FirstFailureAt.Equal(now)
	return tok, won, nil
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
