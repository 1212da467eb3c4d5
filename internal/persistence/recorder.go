package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/risk"
)

// LedgerWriter adapts a LedgerRepo to the gateway's fire-and-forget close
// notification. Inserts run on their own goroutine with a bounded timeout
// so the database can never delay a close.
type LedgerWriter struct {
	repo    LedgerRepo
	timeout time.Duration
}

// NewLedgerWriter wraps a ledger repository as a non-blocking recorder.
func NewLedgerWriter(repo LedgerRepo, timeout time.Duration) *LedgerWriter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LedgerWriter{repo: repo, timeout: timeout}
}

func (w *LedgerWriter) RecordClose(_ context.Context, pos risk.ClosedPosition) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		err := w.repo.Insert(ctx, LedgerEntry{
			PositionID:  pos.ID,
			Symbol:      pos.Symbol,
			Quantity:    pos.Quantity,
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   pos.ExitPrice,
			RealizedPnL: pos.RealizedPnL,
			Kind:        pos.Kind,
			EntryTime:   pos.EntryTime,
			ExitTime:    pos.ExitTime,
		})
		if err != nil {
			log.Warn().Err(err).Str("position", pos.ID).Msg("failed to persist ledger entry")
		}
	}()
}
