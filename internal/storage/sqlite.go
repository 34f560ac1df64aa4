package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/votebot/pkg/types"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStorage opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the status server read while the orchestrator writes.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identities (
		chain_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		idx INTEGER NOT NULL,
		address TEXT NOT NULL,
		secret TEXT NOT NULL,
		funded INTEGER NOT NULL DEFAULT 0,
		funding_tx TEXT,
		created_at DATETIME NOT NULL,
		funded_at DATETIME,
		PRIMARY KEY (chain_id, role, idx),
		UNIQUE (chain_id, address)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		chain_id INTEGER NOT NULL DEFAULT 0,
		contract TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		successes INTEGER DEFAULT 0,
		failures INTEGER DEFAULT 0,
		gas_used INTEGER DEFAULT 0,
		critical INTEGER DEFAULT 0,
		report TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS vote_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		election_uuid TEXT NOT NULL,
		voter_address TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		tx_hash TEXT,
		block_number INTEGER,
		gas_used INTEGER,
		attempt_number INTEGER NOT NULL,
		finished_at DATETIME,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_vote_attempts_run ON vote_attempts(run_id);

	CREATE TABLE IF NOT EXISTS security_probes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		election_uuid TEXT NOT NULL,
		voter_address TEXT NOT NULL,
		actual TEXT NOT NULL,
		severity TEXT NOT NULL,
		detail TEXT,
		attempts INTEGER NOT NULL DEFAULT 1,
		observed_at DATETIME,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_security_probes_run ON security_probes(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; applied only when missing.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"runs", "retries", "ALTER TABLE runs ADD COLUMN retries INTEGER DEFAULT 0"},
		{"runs", "warnings", "ALTER TABLE runs ADD COLUMN warnings INTEGER DEFAULT 0"},
		{"security_probes", "tx_hash", "ALTER TABLE security_probes ADD COLUMN tx_hash TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				s.logger.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()))
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Table and column names are validated to prevent SQL injection.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows only alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveIdentities upserts identity records in one transaction. Existing slots
// keep their key material, and the funded flag only moves from false to true.
func (s *SQLiteStorage) SaveIdentities(ctx context.Context, records []IdentityRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identities (chain_id, role, idx, address, secret, funded, funding_tx, created_at, funded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain_id, role, idx) DO UPDATE SET
			funded = MAX(identities.funded, excluded.funded),
			funding_tx = COALESCE(identities.funding_tx, excluded.funding_tx),
			funded_at = COALESCE(identities.funded_at, excluded.funded_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		var fundedAt sql.NullTime
		if r.FundedAt != nil {
			fundedAt = sql.NullTime{Time: *r.FundedAt, Valid: true}
		} else if r.Funded {
			fundedAt = sql.NullTime{Time: now, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, int64(r.ChainID), string(r.Role), r.Index,
			strings.ToLower(r.Address), r.Secret, boolToInt(r.Funded), nullString(r.FundingTx),
			created, fundedAt); err != nil {
			return fmt.Errorf("failed to save identity %s/%d: %w", r.Role, r.Index, err)
		}
	}

	return tx.Commit()
}

// LoadIdentities returns all identities for a chain ordered by role and index.
func (s *SQLiteStorage) LoadIdentities(ctx context.Context, chainID uint64) ([]IdentityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, role, idx, address, secret, funded, funding_tx, created_at, funded_at
		FROM identities WHERE chain_id = ?
		ORDER BY role, idx
	`, int64(chainID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []IdentityRecord
	for rows.Next() {
		var (
			r         IdentityRecord
			chain     int64
			role      string
			funded    int
			fundingTx sql.NullString
			fundedAt  sql.NullTime
		)
		if err := rows.Scan(&chain, &role, &r.Index, &r.Address, &r.Secret, &funded,
			&fundingTx, &r.CreatedAt, &fundedAt); err != nil {
			return nil, err
		}
		r.ChainID = uint64(chain)
		r.Role = types.Role(role)
		r.Funded = funded != 0
		r.FundingTx = fundingTx.String
		if fundedAt.Valid {
			t := fundedAt.Time
			r.FundedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkFunded records a completed funding transfer.
func (s *SQLiteStorage) MarkFunded(ctx context.Context, chainID uint64, address, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET
			funded = 1,
			funding_tx = COALESCE(funding_tx, ?),
			funded_at = COALESCE(funded_at, ?)
		WHERE chain_id = ? AND address = ?
	`, nullString(txHash), time.Now(), int64(chainID), strings.ToLower(address))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", address, ErrNotFound)
	}
	return nil
}

// DeleteIdentities removes every identity for a chain.
func (s *SQLiteStorage) DeleteIdentities(ctx context.Context, chainID uint64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE chain_id = ?", int64(chainID))
	return err
}

// CreateRun inserts a running run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, r *types.RunReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, mode, status, chain_id, contract, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, string(r.Mode), string(r.Status), int64(r.ChainID), r.Contract, r.StartedAt)
	return err
}

// CompleteRun stores the final report with its attempts and probes. It
// replaces any rows written for the same run earlier.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, r *types.RunReport) error {
	reportJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, mode, status, chain_id, contract, started_at, finished_at,
			successes, failures, retries, gas_used, critical, warnings, report, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			chain_id = excluded.chain_id,
			finished_at = excluded.finished_at,
			successes = excluded.successes,
			failures = excluded.failures,
			retries = excluded.retries,
			gas_used = excluded.gas_used,
			critical = excluded.critical,
			warnings = excluded.warnings,
			report = excluded.report,
			error_message = excluded.error_message
	`, r.ID, string(r.Mode), string(r.Status), int64(r.ChainID), r.Contract, r.StartedAt, r.FinishedAt,
		r.Totals.Successes, r.Totals.Failures, r.Totals.Retries, int64(r.Totals.GasUsed),
		r.Totals.Critical, r.Totals.Warnings, string(reportJSON), nullString(r.Error))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM vote_attempts WHERE run_id = ?", r.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM security_probes WHERE run_id = ?", r.ID); err != nil {
		return err
	}

	attemptStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vote_attempts (run_id, election_uuid, voter_address, outcome, reason, tx_hash,
			block_number, gas_used, attempt_number, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer attemptStmt.Close()

	for _, a := range r.Attempts {
		if _, err := attemptStmt.ExecContext(ctx, r.ID, a.ElectionUUID, a.VoterAddress, string(a.Outcome),
			nullString(a.Reason), nullString(a.TxHash), nullInt64(int64(a.BlockNumber)), nullInt64(int64(a.GasUsed)),
			a.AttemptNumber, a.FinishedAt); err != nil {
			return fmt.Errorf("failed to insert vote attempt: %w", err)
		}
	}

	probeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO security_probes (run_id, election_uuid, voter_address, actual, severity, detail,
			tx_hash, attempts, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer probeStmt.Close()

	for _, p := range r.Probes {
		if _, err := probeStmt.ExecContext(ctx, r.ID, p.ElectionUUID, p.VoterAddress, p.Actual,
			string(p.Severity), nullString(p.Detail), nullString(p.TxHash), p.Attempts, p.ObservedAt); err != nil {
			return fmt.Errorf("failed to insert security probe: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun returns the stored report for a run.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.RunReport, error) {
	var (
		report                     types.RunReport
		mode, status               string
		chainID                    int64
		contract, reportJSON, errM sql.NullString
		finishedAt                 sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, status, chain_id, contract, started_at, finished_at, report, error_message
		FROM runs WHERE id = ?
	`, id).Scan(&report.ID, &mode, &status, &chainID, &contract, &report.StartedAt, &finishedAt, &reportJSON, &errM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if reportJSON.Valid && reportJSON.String != "" {
		if err := json.Unmarshal([]byte(reportJSON.String), &report); err != nil {
			s.logger.Warn("failed to unmarshal stored report",
				slog.String("runID", id),
				slog.String("error", err.Error()))
		} else {
			return &report, nil
		}
	}

	// Run never completed: return what the row knows.
	report.Mode = types.RunMode(mode)
	report.Status = types.RunStatus(status)
	report.ChainID = uint64(chainID)
	report.Contract = contract.String
	report.Error = errM.String
	if finishedAt.Valid {
		report.FinishedAt = finishedAt.Time
	}
	return &report, nil
}

// ListRuns returns run summaries, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, status, started_at, finished_at,
			COALESCE(successes, 0), COALESCE(failures, 0), COALESCE(retries, 0),
			COALESCE(gas_used, 0), COALESCE(critical, 0), COALESCE(warnings, 0)
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]types.RunSummary, 0, limit)
	for rows.Next() {
		var (
			sum          types.RunSummary
			mode, status string
			finishedAt   sql.NullTime
			gasUsed      int64
		)
		if err := rows.Scan(&sum.ID, &mode, &status, &sum.StartedAt, &finishedAt,
			&sum.Totals.Successes, &sum.Totals.Failures, &sum.Totals.Retries,
			&gasUsed, &sum.Totals.Critical, &sum.Totals.Warnings); err != nil {
			return nil, err
		}
		sum.Mode = types.RunMode(mode)
		sum.Status = types.RunStatus(status)
		sum.Totals.GasUsed = uint64(gasUsed)
		if finishedAt.Valid {
			sum.FinishedAt = finishedAt.Time
		}
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{Runs: runs, Total: total, Limit: limit, Offset: offset}, nil
}

// ListProbes returns stored security probes matching filter, newest first.
func (s *SQLiteStorage) ListProbes(ctx context.Context, filter ProbeFilter) ([]types.SecurityProbe, error) {
	query := `SELECT election_uuid, voter_address, actual, severity, detail, tx_hash, attempts, observed_at
		FROM security_probes`
	var (
		conds []string
		args  []any
	)
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var probes []types.SecurityProbe
	for rows.Next() {
		var (
			p              types.SecurityProbe
			severity       string
			detail, txHash sql.NullString
			observedAt     sql.NullTime
		)
		if err := rows.Scan(&p.ElectionUUID, &p.VoterAddress, &p.Actual, &severity, &detail,
			&txHash, &p.Attempts, &observedAt); err != nil {
			return nil, err
		}
		p.Expected = types.OutcomeRejected
		p.Severity = types.Severity(severity)
		p.Detail = detail.String
		p.TxHash = txHash.String
		if observedAt.Valid {
			p.ObservedAt = observedAt.Time
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// DeleteRun deletes a run and its attempts and probes.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
