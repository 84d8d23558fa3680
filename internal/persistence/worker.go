package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
)

// BatchWriter stores a batch of operation rows atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, rows []OperationRow) error
}

// JournalWorker drains settled operations and batch-writes them to
// Postgres. Record blocks while the buffer is full, so a slow database
// slows settlement down instead of losing records.
type JournalWorker struct {
	writer       BatchWriter
	input        chan OperationRow
	batchSize    int
	flushTimeout time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

var _ orchestrator.Recorder = (*JournalWorker)(nil)

type WorkerOption func(*JournalWorker)

func WithWorkerMetrics(m *observability.Metrics) WorkerOption {
	return func(w *JournalWorker) { w.metrics = m }
}

func WithWorkerLogger(l zerolog.Logger) WorkerOption {
	return func(w *JournalWorker) { w.logger = l }
}

// WithBackoff bounds the delay between flush retries.
func WithBackoff(min, max time.Duration) WorkerOption {
	return func(w *JournalWorker) {
		w.minBackoff = min
		w.maxBackoff = max
	}
}

func NewJournalWorker(writer BatchWriter, batchSize int, flushTimeout time.Duration, opts ...WorkerOption) *JournalWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	w := &JournalWorker{
		writer:       writer,
		input:        make(chan OperationRow, batchSize*4),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record queues a settled operation for writing.
func (w *JournalWorker) Record(ctx context.Context, rec orchestrator.Record) error {
	row, err := RowFromRecord(rec)
	if err != nil {
		return err
	}
	select {
	case w.input <- row:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal %s: %w", rec.ID, ctx.Err())
	}
}

// Run batches incoming records and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled; the pending
// batch is flushed on the way out.
func (w *JournalWorker) Run(ctx context.Context) error {
	batch := make([]OperationRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.flushWithRetry(ctx, batch); err != nil {
			w.logger.Error().Err(err).Int("records", len(batch)).Msg("journal flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case row := <-w.input:
					batch = append(batch, row)
				default:
					break drain
				}
			}
			flush()
			return ctx.Err()

		case row := <-w.input:
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				flush()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Once ctx is cancelled it makes one last attempt on a fresh context.
func (w *JournalWorker) flushWithRetry(ctx context.Context, rows []OperationRow) error {
	backoff := w.minBackoff

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return w.flush(context.Background(), rows)
		}
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("records", len(rows)).Msg("journal flush retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), rows)
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.maxBackoff)
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("journal flush succeeded")
			}
			return nil
		}
		w.logger.Debug().Err(err).Msg("journal flush attempt failed")
	}
}

func (w *JournalWorker) flush(ctx context.Context, rows []OperationRow) error {
	start := time.Now()
	if err := w.writer.WriteBatch(ctx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_operations").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(rows)))
		w.metrics.PersistRecordsWritten.Add(float64(len(rows)))
	}
	return nil
}
