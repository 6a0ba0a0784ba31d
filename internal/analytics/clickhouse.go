// Package analytics implements the async batched ClickHouse writer for the
// routing-metrics history table (§6: "analytics surface", write-only from
// the gateway). The buffered-channel-plus-ticker-flush shape is carried over
// from the reference pack's Postgres audit writer (internal/audit.Writer in
// the nightowl reference), restated against clickhouse-go's native batch
// API instead of row-at-a-time INSERTs.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/nulpointcorp/aperture-gateway/internal/domain"
)

// Writer batches domain.RoutingMetrics rows and flushes them to ClickHouse
// on a ticker or when the buffer reaches batchSize, whichever comes first.
// Implements metricsengine.FlushSink.
type Writer struct {
	conn      clickhouse.Conn
	log       *slog.Logger
	entries   chan domain.RoutingMetrics
	batchSize int
	flushEvery time.Duration
	wg        sync.WaitGroup
}

const bufferSize = 4096

// Options configures a Writer.
type Options struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// New opens a ClickHouse connection and returns a Writer. Call Start to
// begin the background flush loop.
func New(opts Options, log *slog.Logger) (*Writer, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, err
	}

	return &Writer{
		conn:       conn,
		log:        log,
		entries:    make(chan domain.RoutingMetrics, bufferSize),
		batchSize:  opts.BatchSize,
		flushEvery: opts.FlushInterval,
	}, nil
}

// Start launches the background flush loop in a goroutine and returns
// immediately. Close waits for the loop to finish.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops the flush loop, draining any buffered rows first.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
	_ = w.conn.Close()
}

// WriteMetrics implements metricsengine.FlushSink. Never blocks: a full
// buffer drops the row and logs a warning, matching the audit writer's
// never-block-the-caller posture.
func (w *Writer) WriteMetrics(_ context.Context, m domain.RoutingMetrics) error {
	select {
	case w.entries <- m:
	default:
		w.log.Warn("analytics: buffer full, dropping metrics row",
			"logical_model", m.LogicalModel, "provider", m.ProviderID)
	}
	return nil
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	batch := make([]domain.RoutingMetrics, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.insertBatch(ctx, batch); err != nil {
			w.log.Warn("analytics: batch insert failed", "error", err, "rows", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case m, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, m)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (w *Writer) insertBatch(ctx context.Context, rows []domain.RoutingMetrics) error {
	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO provider_routing_metrics_history
			(logical_model, provider_id, window_start, window_seconds, success, errors,
			 errors_4xx, errors_5xx, errors_429, timeouts,
			 latency_p50_ms, latency_p95_ms, latency_p99_ms,
			 input_tokens, output_tokens, status)`)
	if err != nil {
		return err
	}
	for _, m := range rows {
		if err := batch.Append(
			m.LogicalModel, m.ProviderID, m.WindowStart, uint32(m.WindowSeconds), uint64(m.Success), uint64(m.Errors),
			uint64(m.Errors4xx), uint64(m.Errors5xx), uint64(m.Errors429), uint64(m.Timeouts),
			m.LatencyP50Ms, m.LatencyP95Ms, m.LatencyP99Ms,
			uint64(m.InputTokens), uint64(m.OutputTokens), string(m.Status),
		); err != nil {
			return err
		}
	}
	return batch.Send()
}
