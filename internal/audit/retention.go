package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// RetentionPruner periodically deletes route_events rows older than
// the configured retention window. Unlike the daily-partition scheme
// it is adapted from, route_events here is an unpartitioned table, so
// pruning is a single bounded DELETE rather than a DROP TABLE per day.
type RetentionPruner struct {
	pool          *pgxpool.Pool
	retentionDays int
	logger        *zap.Logger
}

func NewRetentionPruner(pool *pgxpool.Pool, retentionDays int, logger *zap.Logger) *RetentionPruner {
	return &RetentionPruner{
		pool:          pool,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// Run deletes expired rows once, then again every interval until ctx
// is cancelled. A failed prune is logged and retried on the next tick
// rather than stopping the loop.
func (p *RetentionPruner) Run(ctx context.Context, interval time.Duration) error {
	if err := p.pruneOnce(ctx); err != nil {
		p.logger.Warn("audit retention prune failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pruneOnce(ctx); err != nil {
				p.logger.Warn("audit retention prune failed", zap.Error(err))
			}
		}
	}
}

func (p *RetentionPruner) pruneOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -p.retentionDays)

	tag, err := p.pool.Exec(ctx, `DELETE FROM route_events WHERE event_time < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("pruning route_events older than %s: %w", cutoff, err)
	}

	if rows := tag.RowsAffected(); rows > 0 {
		p.logger.Info("pruned expired audit events", zap.Int64("rows", rows), zap.Time("cutoff", cutoff))
	}
	return nil
}
