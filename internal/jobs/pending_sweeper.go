package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/wpdepot/wpdepot/internal/telemetry"
)

// PendingRemover is implemented by catalog.Service
type PendingRemover interface {
	SweepPending(ctx context.Context, ttl time.Duration) (int, error)
}

// PendingUploadSweeper deletes uploads that never left the pending state,
// along with any archive bytes they wrote.
type PendingUploadSweeper struct {
	catalog PendingRemover
	ttl     time.Duration
}

// NewPendingUploadSweeper creates the sweeper. Pending rows older than ttl are removed.
func NewPendingUploadSweeper(catalog PendingRemover, ttl time.Duration) *PendingUploadSweeper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PendingUploadSweeper{catalog: catalog, ttl: ttl}
}

func (s *PendingUploadSweeper) Name() string { return "pending-upload-sweeper" }

// Run performs one sweep
func (s *PendingUploadSweeper) Run(ctx context.Context) {
	start := time.Now()
	removed, err := s.catalog.SweepPending(ctx, s.ttl)
	telemetry.PendingSweepDuration.Observe(time.Since(start).Seconds())
	telemetry.PendingSweepRemovedTotal.Add(float64(removed))

	if err != nil {
		slog.Error("pending upload sweep failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		slog.Info("pending upload sweep completed", "removed", removed, "ttl", s.ttl)
	} else {
		slog.Debug("pending upload sweep completed: nothing to remove")
	}
}
