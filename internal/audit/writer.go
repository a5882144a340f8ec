// Package audit persists the diagnostic route-mutation trail emitted
// by the routing table to Postgres. It is an optional, out-of-band
// consumer: nothing in the daemon's decision path depends on it, and a
// stalled or unreachable database only grows the drop counter on the
// table's audit channel, never blocks the event loop.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/tideroute/ripd/internal/metrics"
	"github.com/tideroute/ripd/internal/rip"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("audit: zstd encoder init: %v", err))
	}
}

// NewPool opens and verifies a Postgres connection pool for the audit
// sink. Callers should Close it on shutdown.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing audit dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating audit pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	return pool, nil
}

// Writer batches rip.AuditEvents off a channel and flushes them to
// the route_events table on a size or time trigger, whichever comes
// first.
type Writer struct {
	pool          *pgxpool.Pool
	logger        *zap.Logger
	batchSize     int
	flushInterval time.Duration
	compress      bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, batchSize int, flushInterval time.Duration, compress bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		compress:      compress,
	}
}

// Run drains events until ctx is cancelled or the channel is closed,
// flushing whenever a batch fills and on every flushInterval tick (the
// ticker is not reset by a size-triggered flush), and flushing once
// more on the way out.
func (w *Writer) Run(ctx context.Context, events <-chan rip.AuditEvent) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]rip.AuditEvent, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flushBatch(ctx, batch); err != nil {
			w.logger.Warn("audit flush failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil

		case ev, ok := <-events:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) flushBatch(ctx context.Context, events []rip.AuditEvent) error {
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO route_events
			(event_time, destination_id, next_hop_id, metric, gc_active, reason, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlBatch := &pgx.Batch{}
	for _, ev := range events {
		var payload []byte
		if w.compress {
			payload = zstdEncoder.EncodeAll(encodeEvent(ev), nil)
		} else {
			payload = encodeEvent(ev)
		}
		sqlBatch.Queue(insertSQL, ev.At, ev.DestinationID, ev.NextHopID, ev.Metric, ev.GCActive, string(ev.Reason), payload)
	}

	results := tx.SendBatch(ctx, sqlBatch)
	for i := range events {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert route_event[%d]: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.AuditBatchesWrittenTotal.Inc()
	metrics.AuditWriteDuration.Observe(time.Since(start).Seconds())
	return nil
}

// encodeEvent renders an AuditEvent as a compact textual payload; the
// row's typed columns are the source of truth, this is kept only for
// ad-hoc inspection of a single event.
func encodeEvent(ev rip.AuditEvent) []byte {
	return []byte(fmt.Sprintf("dest=%d next_hop=%d metric=%d gc_active=%t reason=%s at=%s",
		ev.DestinationID, ev.NextHopID, ev.Metric, ev.GCActive, ev.Reason, ev.At.Format(time.RFC3339Nano)))
}
