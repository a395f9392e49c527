package gateway

import (
	"context"
	"log/slog"
	"time"

	"rentchat/internal/memory"
)

// ReaperConfig configures the background maintenance loop.
type ReaperConfig struct {
	Service     *Service
	Retention   *memory.Retention // nil skips transcript pruning
	Limiter     *RateLimiter      // nil skips bucket pruning
	IdleTimeout time.Duration     // zero disables idle closing
	Interval    time.Duration
	Logger      *slog.Logger
}

// Reaper closes idle sessions and prunes expired transcripts on a ticker.
type Reaper struct {
	cfg    ReaperConfig
	logger *slog.Logger
}

func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{cfg: cfg, logger: cfg.Logger.With("component", "reaper")}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "idle_timeout", r.cfg.IdleTimeout)
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one maintenance pass. Failures are logged and retried next pass.
func (r *Reaper) Sweep(ctx context.Context) {
	if r.cfg.IdleTimeout > 0 && r.cfg.Service != nil {
		n, err := r.cfg.Service.CloseIdle(ctx, r.cfg.IdleTimeout)
		if err != nil {
			r.logger.Error("idle sweep failed", "err", err)
		} else if n > 0 {
			r.logger.Info("closed idle sessions", "count", n)
		}
	}
	if r.cfg.Retention != nil {
		if _, err := r.cfg.Retention.Apply(ctx); err != nil {
			r.logger.Error("retention failed", "err", err)
		}
	}
	if r.cfg.Limiter != nil {
		r.cfg.Limiter.Prune()
	}
}
