package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naveenvino/tradegate/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func testEntry() persistence.LedgerEntry {
	return persistence.LedgerEntry{
		PositionID:  "pos-1",
		Symbol:      "NIFTY24500CE",
		Quantity:    -900,
		EntryPrice:  50,
		ExitPrice:   60,
		RealizedPnL: -9000,
		Kind:        "CE",
		EntryTime:   time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC),
		ExitTime:    time.Date(2026, 2, 3, 11, 0, 0, 0, time.UTC),
	}
}

func TestLedgerRepo_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepo(db, time.Second)

	entry := testEntry()
	mock.ExpectQuery(`INSERT INTO trade_ledger`).
		WithArgs(entry.PositionID, entry.Symbol, entry.Quantity,
			entry.EntryPrice, entry.ExitPrice, entry.RealizedPnL,
			entry.Kind, entry.EntryTime, entry.ExitTime).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))

	require.NoError(t, repo.Insert(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_InsertDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepo(db, time.Second)

	mock.ExpectQuery(`INSERT INTO trade_ledger`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Insert(context.Background(), testEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate ledger entry")
}

func TestLedgerRepo_ListRecent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepo(db, time.Second)

	cols := []string{"id", "position_id", "symbol", "quantity", "entry_price",
		"exit_price", "realized_pnl", "kind", "entry_time", "exit_time", "created_at"}
	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM trade_ledger`).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(2), "pos-2", "NIFTY24300PE", 600, 40.0, 35.0, -3000.0, "PE", now, now, now).
			AddRow(int64(1), "pos-1", "NIFTY24500CE", -900, 50.0, 45.0, 4500.0, "CE", now, now, now))

	entries, err := repo.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pos-2", entries[0].PositionID)
	assert.InDelta(t, 4500, entries[1].RealizedPnL, 0.001)
}

func TestLedgerRepo_ListRecentDefaultsLimit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLedgerRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .* FROM trade_ledger`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepo(db, time.Second)

	record := persistence.AuditRecord{
		EventID:  "evt-1",
		Kind:     "kill_switch",
		Severity: "critical",
		Message:  "kill switch triggered",
		Fields:   map[string]interface{}{"reason": "drill"},
		Time:     time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC),
	}

	mock.ExpectQuery(`INSERT INTO audit_events`).
		WithArgs(record.EventID, record.Kind, record.Severity, record.Message,
			[]byte(`{"reason":"drill"}`), record.Time).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))

	require.NoError(t, repo.Insert(context.Background(), record))
	assert.NoError(t, mock.ExpectationsWereMet())
}
