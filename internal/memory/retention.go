package memory

import (
	"context"
	"log/slog"
	"time"
)

// pruner is the storage side of retention.
type pruner interface {
	DeleteClosedBefore(ctx context.Context, t time.Time) (int, error)
}

// RetentionConfig configures transcript retention.
type RetentionConfig struct {
	Store   pruner
	MaxDays int // closed sessions older than this are deleted
	Logger  *slog.Logger
}

// Retention deletes transcripts of closed sessions after a retention period.
type Retention struct {
	store   pruner
	maxDays int
	logger  *slog.Logger
	now     func() time.Time
}

// NewRetention creates a retention policy. MaxDays defaults to 30.
func NewRetention(cfg RetentionConfig) *Retention {
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Retention{
		store:   cfg.Store,
		maxDays: cfg.MaxDays,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Apply deletes expired transcripts. Should be called periodically.
func (r *Retention) Apply(ctx context.Context) (int, error) {
	cutoff := r.now().AddDate(0, 0, -r.maxDays)
	n, err := r.store.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.logger.Info("retention applied", "deleted_sessions", n, "cutoff", cutoff.Format(time.DateOnly))
	}
	return n, nil
}
