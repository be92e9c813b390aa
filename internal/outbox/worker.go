package outbox

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultRetryInterval is the retry worker poll cadence.
	DefaultRetryInterval = 30 * time.Second

	// DefaultRetryBatch is the max rows drained per cycle.
	DefaultRetryBatch = 20
)

// RetryWorker re-attempts unsent outbox rows on a fixed cadence. It is the
// recovery path after process restarts: rows left pending or failed are
// picked up on the first cycle with no operator action.
type RetryWorker struct {
	outbox   *Outbox
	interval time.Duration
	batch    int
}

// NewRetryWorker creates a worker over the outbox. Zero interval/batch use
// defaults.
func NewRetryWorker(o *Outbox, interval time.Duration, batch int) *RetryWorker {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if batch <= 0 {
		batch = DefaultRetryBatch
	}
	return &RetryWorker{outbox: o, interval: interval, batch: batch}
}

// Run drains due rows until ctx is cancelled. One drain runs immediately so
// restart recovery does not wait a full interval.
func (w *RetryWorker) Run(ctx context.Context) {
	w.drain(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain attempts one batch of due rows, oldest first.
func (w *RetryWorker) drain(ctx context.Context) {
	ctx, span := w.outbox.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	rows, err := w.outbox.store.DueBatch(ctx, time.Now(), w.batch)
	if err != nil {
		slog.Error("outbox due batch query failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("outbox.due", len(rows)))
	if len(rows) == 0 {
		return
	}

	slog.Debug("outbox retry cycle", "due", len(rows))
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		w.outbox.attempt(ctx, &rows[i])
	}
}
