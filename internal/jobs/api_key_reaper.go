package jobs

import (
	"context"
	"log/slog"
)

// ExpiredKeyDeleter is implemented by repositories.APIKeyRepository
type ExpiredKeyDeleter interface {
	DeleteExpiredKeys(ctx context.Context) (int64, error)
}

// APIKeyReaper removes API keys whose expiry has passed. Expired keys are
// already refused by the auth middleware; this only keeps the table small.
type APIKeyReaper struct {
	keys ExpiredKeyDeleter
}

// NewAPIKeyReaper creates the reaper
func NewAPIKeyReaper(keys ExpiredKeyDeleter) *APIKeyReaper {
	return &APIKeyReaper{keys: keys}
}

func (r *APIKeyReaper) Name() string { return "api-key-reaper" }

// Run performs one pass
func (r *APIKeyReaper) Run(ctx context.Context) {
	n, err := r.keys.DeleteExpiredKeys(ctx)
	if err != nil {
		slog.Error("api key reaper: failed to delete expired keys", "error", err)
		return
	}
	if n > 0 {
		slog.Info("api key reaper: deleted expired keys", "count", n)
	}
}
