package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/naveenvino/tradegate/internal/persistence"
)

// RepoSink persists audit events through an AuditRepo. Inserts run on
// their own goroutine with a bounded timeout so a slow database can never
// delay a trading decision.
type RepoSink struct {
	repo    persistence.AuditRepo
	timeout time.Duration
}

// NewRepoSink wraps an audit repository as a non-blocking sink.
func NewRepoSink(repo persistence.AuditRepo, timeout time.Duration) *RepoSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RepoSink{repo: repo, timeout: timeout}
}

func (s *RepoSink) Log(event Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		err := s.repo.Insert(ctx, persistence.AuditRecord{
			EventID:  event.ID,
			Kind:     event.Kind,
			Severity: event.Severity,
			Message:  event.Message,
			Fields:   event.Fields,
			Time:     event.Time,
		})
		if err != nil {
			log.Warn().Err(err).Str("audit_id", event.ID).Msg("failed to persist audit event")
		}
	}()
}
