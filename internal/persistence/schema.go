package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/grail/internal/audit"
)

// migration is one forward-only schema step. checksum pins the step's
// identity: a ledger row whose checksum disagrees means the database was
// built by a different grail and is refused.
type migration struct {
	version  int
	checksum string
	apply    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, checksum: "grail-v1-2026-10-01-gated-queue", apply: createBaseTables},
	{version: 2, checksum: "grail-v2-2026-10-12-cron-provider", apply: addCronOutcomeColumns},
}

func latestMigration() migration { return migrations[len(migrations)-1] }

// migrate brings the database to the latest version inside one transaction
// and seeds the settings singleton.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := verifyLedger(ctx, tx)
	if err != nil {
		return err
	}

	var applied []int
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(ctx, tx); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		applied = append(applied, m.version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO settings (id, updated_at) VALUES (1, ?);`, now()); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	if len(applied) > 0 {
		latest := latestMigration()
		audit.Record("allow", "data.migration", "migration_applied", "",
			fmt.Sprintf("schema v%d -> v%d (checksum %s)", current, latest.version, latest.checksum))
	}
	return nil
}

// verifyLedger checks every recorded migration against the known list and
// returns the highest applied version.
func verifyLedger(ctx context.Context, tx *sql.Tx) (int, error) {
	known := make(map[int]string, len(migrations))
	for _, m := range migrations {
		known[m.version] = m.checksum
	}

	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version;`)
	if err != nil {
		return 0, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()

	current := 0
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return 0, fmt.Errorf("scan migration ledger: %w", err)
		}
		want, ok := known[version]
		if !ok {
			return 0, fmt.Errorf("db schema version %d is newer than supported %d", version, latestMigration().version)
		}
		if checksum != want {
			return 0, fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, checksum, want)
		}
		current = max(current, version)
	}
	return current, rows.Err()
}

func createBaseTables(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'succeeded', 'failed')),
			provider TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL DEFAULT '',
			event_ts TEXT NOT NULL DEFAULT '',
			requested_by_user_id TEXT NOT NULL DEFAULT '',
			prompt_text TEXT NOT NULL,
			result_text TEXT,
			error_text TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			workspace_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL,
			PRIMARY KEY (workspace_id, event_id)
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('command_execution', 'guardrail_rule_add', 'cron_job_add')),
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'denied', 'expired')),
			decision TEXT CHECK(decision IS NULL OR decision IN ('approve', 'always', 'deny')),
			provider TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			thread_ts TEXT NOT NULL DEFAULT '',
			requested_by_user_id TEXT NOT NULL DEFAULT '',
			details_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			resolved_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS guardrail_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			pattern_kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			action TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			enabled INTEGER NOT NULL DEFAULT 1,
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			context_last_n INTEGER NOT NULL DEFAULT 20,
			model TEXT NOT NULL DEFAULT '',
			permissions_mode TEXT NOT NULL DEFAULT 'read',
			command_approval_mode TEXT NOT NULL DEFAULT 'guardrails',
			agent_name TEXT NOT NULL DEFAULT 'grail',
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			mode TEXT NOT NULL DEFAULT 'agent',
			schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('every', 'cron', 'at')),
			every_seconds INTEGER,
			cron_expr TEXT,
			at_ts INTEGER,
			workspace_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			thread_ts TEXT NOT NULL DEFAULT '',
			prompt_text TEXT NOT NULL,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			policy_version TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_guardrails_kind_priority ON guardrail_rules(kind, enabled, priority);`,
		`CREATE INDEX IF NOT EXISTS idx_cron_jobs_next_run ON cron_jobs(enabled, next_run_at);`,
	)
}

// v2: cron jobs remember which chat provider they post to and how their last
// run ended.
func addCronOutcomeColumns(ctx context.Context, tx *sql.Tx) error {
	for _, col := range []struct{ name, decl string }{
		{"provider", `TEXT NOT NULL DEFAULT ''`},
		{"last_status", `TEXT NOT NULL DEFAULT ''`},
		{"last_error", `TEXT NOT NULL DEFAULT ''`},
	} {
		if err := addColumnIfMissing(ctx, tx, "cron_jobs", col.name, col.decl); err != nil {
			return err
		}
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?;`, table, column).Scan(&n); err != nil {
		return fmt.Errorf("table info %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
