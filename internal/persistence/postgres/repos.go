package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/naveenvino/tradegate/internal/persistence"
)

// Connect opens and pings a postgres connection.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// ledgerRepo implements LedgerRepo for PostgreSQL
type ledgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLedgerRepo creates a PostgreSQL-backed trade ledger.
func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) persistence.LedgerRepo {
	return &ledgerRepo{db: db, timeout: timeout}
}

// Insert appends one closed position to the ledger.
func (r *ledgerRepo) Insert(ctx context.Context, entry persistence.LedgerEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trade_ledger (position_id, symbol, quantity, entry_price, exit_price, realized_pnl, kind, entry_time, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query,
		entry.PositionID, entry.Symbol, entry.Quantity,
		entry.EntryPrice, entry.ExitPrice, entry.RealizedPnL,
		entry.Kind, entry.EntryTime, entry.ExitTime).
		Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate ledger entry for position %s: %w", entry.PositionID, err)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ListRecent returns the most recently closed positions, newest first.
func (r *ledgerRepo) ListRecent(ctx context.Context, limit int) ([]persistence.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, position_id, symbol, quantity, entry_price, exit_price, realized_pnl, kind, entry_time, exit_time, created_at
		FROM trade_ledger
		ORDER BY exit_time DESC
		LIMIT $1`

	var entries []persistence.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// auditRepo implements AuditRepo for PostgreSQL
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL-backed audit trail.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

// Insert appends one audit record. Fields serialize to JSONB.
func (r *auditRepo) Insert(ctx context.Context, record persistence.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fieldsJSON, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal audit fields: %w", err)
	}

	query := `
		INSERT INTO audit_events (event_id, kind, severity, message, fields, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err = r.db.QueryRowxContext(ctx, query,
		record.EventID, record.Kind, record.Severity, record.Message, fieldsJSON, record.Time).
		Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
