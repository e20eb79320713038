package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

// Schema creates the ledger and run history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_days (
	ledger      TEXT NOT NULL,
	ledger_date DATE NOT NULL,
	PRIMARY KEY (ledger, ledger_date)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	ledger        TEXT        NOT NULL,
	ledger_date   DATE        NOT NULL,
	ip            TEXT        NOT NULL,
	observed_date DATE        NOT NULL,
	position      BIGSERIAL,
	PRIMARY KEY (ledger, ledger_date, ip)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              UUID PRIMARY KEY,
	run_date        DATE        NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	queries         INT         NOT NULL,
	failed_queries  INT         NOT NULL,
	pages           INT         NOT NULL,
	abandoned_pages INT         NOT NULL,
	unique_ips      INT         NOT NULL,
	new_ips         INT         NOT NULL,
	expired_ips     INT         NOT NULL,
	carried_ips     INT         NOT NULL,
	objects_created INT         NOT NULL,
	groups_created  TEXT[]      NOT NULL,
	groups_deleted  TEXT[]      NOT NULL,
	failures        JSONB       NOT NULL
);
`

// EnsureSchema applies Schema; every statement is idempotent.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PostgresLedger keeps one named ledger in ledger_entries. A day exists once
// anything was appended to it or it was replaced, even with no rows.
type PostgresLedger struct {
	db   *pgxpool.Pool
	name string
}

func NewPostgresLedger(db *pgxpool.Pool, name string) *PostgresLedger {
	return &PostgresLedger{db: db, name: name}
}

func (r *PostgresLedger) Append(ctx context.Context, date time.Time, ip string) error {
	day := date.Format(domain.LedgerDateLayout)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO ledger_days (ledger, ledger_date)
		VALUES ($1, $2::date)
		ON CONFLICT DO NOTHING
	`, r.name, day)
	batch.Queue(`
		INSERT INTO ledger_entries (ledger, ledger_date, ip, observed_date)
		VALUES ($1, $2::date, $3, $2::date)
		ON CONFLICT (ledger, ledger_date, ip) DO NOTHING
	`, r.name, day, ip)

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}
	return nil
}

func (r *PostgresLedger) ReadAll(ctx context.Context, date time.Time) ([]string, error) {
	rows, err := r.ReadRows(ctx, date)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(rows))
	for _, row := range rows {
		ips = append(ips, row.IP)
	}
	return ips, nil
}

func (r *PostgresLedger) ReadRows(ctx context.Context, date time.Time) ([]domain.IndicatorRecord, error) {
	day := date.Format(domain.LedgerDateLayout)

	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_days WHERE ledger = $1 AND ledger_date = $2::date)
	`, r.name, day).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check ledger day: %w", err)
	}
	if !exists {
		return nil, domain.ErrLedgerMissing
	}

	query := `
		SELECT ip, to_char(observed_date, 'YYYY-MM-DD')
		FROM ledger_entries
		WHERE ledger = $1 AND ledger_date = $2::date
		ORDER BY position
	`

	rows, err := r.db.Query(ctx, query, r.name, day)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var records []domain.IndicatorRecord

	for rows.Next() {
		var ip, observed string
		if err := rows.Scan(&ip, &observed); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		observedDate, err := domain.ParseLedgerDate(observed)
		if err != nil {
			return nil, fmt.Errorf("invalid observed date %q: %w", observed, err)
		}
		records = append(records, domain.IndicatorRecord{IP: ip, ObservedDate: observedDate})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// Replace swaps the whole day in one transaction.
func (r *PostgresLedger) Replace(ctx context.Context, date time.Time, records []domain.IndicatorRecord) error {
	day := date.Format(domain.LedgerDateLayout)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `DELETE FROM ledger_entries WHERE ledger = $1 AND ledger_date = $2::date`, r.name, day); err != nil {
		return fmt.Errorf("failed to clear ledger day: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO ledger_days (ledger, ledger_date)
		VALUES ($1, $2::date)
		ON CONFLICT DO NOTHING
	`, r.name, day)
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO ledger_entries (ledger, ledger_date, ip, observed_date)
			VALUES ($1, $2::date, $3, $4::date)
			ON CONFLICT (ledger, ledger_date, ip) DO NOTHING
		`, r.name, day, rec.IP, rec.ObservedDate.Format(domain.LedgerDateLayout))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger replace: %w", err)
	}
	return nil
}

// PostgresRunRepository stores one row per daily run.
type PostgresRunRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRunRepository(db *pgxpool.Pool) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

type failureRecord struct {
	Reason string `json:"reason"`
	Group  string `json:"group,omitempty"`
	Object string `json:"object,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r *PostgresRunRepository) SaveRun(ctx context.Context, run *domain.RunSummary) error {
	if run == nil {
		return errors.New("nil run summary")
	}

	failures := make([]failureRecord, 0, len(run.Failures))
	for _, f := range run.Failures {
		rec := failureRecord{Reason: string(f.Reason), Group: f.Group, Object: f.Object}
		if f.Err != nil {
			rec.Error = f.Err.Error()
		}
		failures = append(failures, rec)
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %w", err)
	}

	groupsCreated := run.GroupsCreated
	if groupsCreated == nil {
		groupsCreated = []string{}
	}
	groupsDeleted := run.GroupsDeleted
	if groupsDeleted == nil {
		groupsDeleted = []string{}
	}

	query := `
		INSERT INTO sync_runs (
			id, run_date, started_at, finished_at,
			queries, failed_queries, pages, abandoned_pages, unique_ips,
			new_ips, expired_ips, carried_ips, objects_created,
			groups_created, groups_deleted, failures
		)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			finished_at     = EXCLUDED.finished_at,
			objects_created = EXCLUDED.objects_created,
			groups_created  = EXCLUDED.groups_created,
			groups_deleted  = EXCLUDED.groups_deleted,
			failures        = EXCLUDED.failures
	`

	_, err = r.db.Exec(ctx, query,
		run.ID,
		run.Date.Format(domain.LedgerDateLayout),
		run.StartedAt,
		run.FinishedAt,
		run.Collect.Queries,
		run.Collect.FailedQueries,
		run.Collect.Pages,
		run.Collect.AbandonedPages,
		run.Collect.Unique,
		run.New,
		run.Expired,
		run.Carried,
		run.ObjectsCreated,
		groupsCreated,
		groupsDeleted,
		failuresJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first.
func (r *PostgresRunRepository) RecentRuns(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	query := `
		SELECT id, to_char(run_date, 'YYYY-MM-DD'), started_at, finished_at,
			queries, failed_queries, pages, abandoned_pages, unique_ips,
			new_ips, expired_ips, carried_ips, objects_created,
			groups_created, groups_deleted
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunSummary

	for rows.Next() {
		var run domain.RunSummary
		var runDate string
		err := rows.Scan(
			&run.ID,
			&runDate,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Collect.Queries,
			&run.Collect.FailedQueries,
			&run.Collect.Pages,
			&run.Collect.AbandonedPages,
			&run.Collect.Unique,
			&run.New,
			&run.Expired,
			&run.Carried,
			&run.ObjectsCreated,
			&run.GroupsCreated,
			&run.GroupsDeleted,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.Date, err = domain.ParseLedgerDate(runDate); err != nil {
			return nil, fmt.Errorf("invalid run date %q: %w", runDate, err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return runs, nil
}
