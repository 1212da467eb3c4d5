// Package persistence defines the storage interfaces for the trade
// ledger and audit trail. The postgres subpackage implements them; the
// core trades correctly with or without a database configured.
package persistence

import (
	"context"
	"time"
)

// LedgerEntry is one closed position in the historical ledger.
type LedgerEntry struct {
	ID          int64     `db:"id" json:"id"`
	PositionID  string    `db:"position_id" json:"position_id"`
	Symbol      string    `db:"symbol" json:"symbol"`
	Quantity    int       `db:"quantity" json:"quantity"`
	EntryPrice  float64   `db:"entry_price" json:"entry_price"`
	ExitPrice   float64   `db:"exit_price" json:"exit_price"`
	RealizedPnL float64   `db:"realized_pnl" json:"realized_pnl"`
	Kind        string    `db:"kind" json:"kind"`
	EntryTime   time.Time `db:"entry_time" json:"entry_time"`
	ExitTime    time.Time `db:"exit_time" json:"exit_time"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// AuditRecord is one persisted audit event.
type AuditRecord struct {
	ID        int64                  `db:"id" json:"id"`
	EventID   string                 `db:"event_id" json:"event_id"`
	Kind      string                 `db:"kind" json:"kind"`
	Severity  string                 `db:"severity" json:"severity"`
	Message   string                 `db:"message" json:"message"`
	Fields    map[string]interface{} `db:"-" json:"fields,omitempty"`
	Time      time.Time              `db:"ts" json:"time"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}

// LedgerRepo stores closed positions.
type LedgerRepo interface {
	Insert(ctx context.Context, entry LedgerEntry) error
	ListRecent(ctx context.Context, limit int) ([]LedgerEntry, error)
}

// AuditRepo stores audit events.
type AuditRepo interface {
	Insert(ctx context.Context, record AuditRecord) error
}
