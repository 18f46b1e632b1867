package persistence

import (
	"FlashLever/internal/engine"
	"FlashLever/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Worker drains committed engine events and batch-writes them. The
// dispatcher feeds it with blocking sends, so if this worker falls behind
// the engine stalls and no event is lost.
type Worker struct {
	writer       BatchWriter
	input        <-chan engine.Event
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewWorker(
	writer BatchWriter,
	input <-chan engine.Event,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       writer,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// SetMaxBackoff caps the retry delay.
func (w *Worker) SetMaxBackoff(d time.Duration) { w.maxBackoff = d }

// Run batches incoming events and flushes when the batch is full or the
// flush timeout expires. It returns nil once the input channel is closed
// and drained, or ctx.Err() after a final flush on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	var (
		batch  Batch
		events int
	)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, why string) {
		if events == 0 {
			return
		}
		write := w.flushWithRetry
		if why == "shutdown" || why == "closed" {
			write = w.flush
		}
		if err := write(ctx, &batch); err != nil {
			w.logger.Error().Err(err).Str("trigger", why).Int("events", events).Msg("flush failed")
		}
		batch.Reset()
		events = 0
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case ev, ok := <-w.input:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			batch.Add(ev)
			events++
			if events >= w.batchSize {
				flush(ctx, "size")
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, b *Batch) error {
	backoff := 100 * time.Millisecond
	if backoff > w.maxBackoff {
		backoff = w.maxBackoff
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", b.Len()).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		w.logger.Error().Err(err).Msg("persistence write failed")
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, b *Batch) error {
	start := time.Now()
	if err := w.writer.WriteBatch(ctx, b); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(b.Positions)))
		w.metrics.PersistRowsWritten.Add(float64(b.Len()))
	}
	return nil
}
