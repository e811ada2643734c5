package ensemble

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AlexanderSemenyak/ert/internal/driver"
)

// Result is the outcome of one realization.
type Result struct {
	ReturnCode int
	Aborted    bool
}

// board tracks which realizations are pending, running and finished.  The
// call that records the last result reports so to its caller.
type board struct {
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[int]time.Time // iens -> submit time
	running  map[int]time.Time // iens -> start time
	results  map[int]Result
	expected int
	closed   bool

	meter           metric.Meter
	realStarted     metric.Int64Counter
	realFinished    metric.Int64Counter
	realRuntime     metric.Float64Histogram
	submitsRejected metric.Int64Counter
}

func newBoard(expected int, logger *slog.Logger) *board {
	b := &board{
		logger:   logger,
		pending:  make(map[int]time.Time),
		running:  make(map[int]time.Time),
		results:  make(map[int]Result),
		expected: expected,
		meter:    otel.Meter("ert/ensemble"),
	}

	// Instrument errors are logged but not fatal.
	var err error
	b.realStarted, err = b.meter.Int64Counter(
		"ert.realizations.started",
		metric.WithDescription("Total number of realizations that started running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create realStarted counter", slog.String("error", err.Error()))
	}

	b.realFinished, err = b.meter.Int64Counter(
		"ert.realizations.finished",
		metric.WithDescription("Total number of realizations that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create realFinished counter", slog.String("error", err.Error()))
	}

	b.submitsRejected, err = b.meter.Int64Counter(
		"ert.realizations.submit_failures",
		metric.WithDescription("Total number of realizations the driver refused"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create submitsRejected counter", slog.String("error", err.Error()))
	}

	b.realRuntime, err = b.meter.Float64Histogram(
		"ert.realization.runtime",
		metric.WithDescription("Time from start to finish of a realization (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 3600, 14400),
	)
	if err != nil {
		logger.Warn("failed to create realRuntime histogram", slog.String("error", err.Error()))
	}

	_, err = b.meter.Int64ObservableGauge(
		"ert.realizations.pending",
		metric.WithDescription("Current number of submitted realizations not yet running"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			b.mu.Lock()
			n := len(b.pending)
			b.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create pending gauge", slog.String("error", err.Error()))
	}

	_, err = b.meter.Int64ObservableGauge(
		"ert.realizations.running",
		metric.WithDescription("Current number of running realizations"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			b.mu.Lock()
			n := len(b.running)
			b.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to create running gauge", slog.String("error", err.Error()))
	}

	if expected == 0 {
		b.closeLocked()
	}
	return b
}

func (b *board) submitted(iens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.results[iens]; ok {
		return
	}
	b.pending[iens] = time.Now()
}

// rejected records a realization the driver refused to take.  It reports
// whether that was the last outstanding result.
func (b *board) rejected(ctx context.Context, iens int) bool {
	if b.submitsRejected != nil {
		b.submitsRejected.Add(ctx, 1)
	}
	return b.finish(ctx, iens, Result{ReturnCode: 1, Aborted: true})
}

// observe applies a driver event and reports whether it completed the
// ensemble.
func (b *board) observe(ctx context.Context, ev driver.Event) bool {
	switch e := ev.(type) {
	case driver.StartedEvent:
		b.start(ctx, e.Iens)
	case driver.FinishedEvent:
		return b.finish(ctx, e.Iens, Result{ReturnCode: e.ReturnCode, Aborted: e.Aborted})
	}
	return false
}

func (b *board) start(ctx context.Context, iens int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[iens]; !ok {
		b.logger.Warn("start for realization that is not pending", slog.Int("iens", iens))
		return
	}
	delete(b.pending, iens)
	b.running[iens] = time.Now()

	if b.realStarted != nil {
		b.realStarted.Add(ctx, 1)
	}
}

func (b *board) finish(ctx context.Context, iens int, r Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.results[iens]; ok {
		b.logger.Warn("duplicate result for realization", slog.Int("iens", iens))
		return false
	}
	if started, ok := b.running[iens]; ok && b.realRuntime != nil {
		b.realRuntime.Record(ctx, time.Since(started).Seconds())
	}
	delete(b.pending, iens)
	delete(b.running, iens)
	b.results[iens] = r

	if b.realFinished != nil {
		b.realFinished.Add(ctx, 1, metric.WithAttributes(attribute.Bool("aborted", r.Aborted)))
	}

	b.logger.Info("realization finished",
		slog.Int("iens", iens),
		slog.Int("returnCode", r.ReturnCode),
		slog.Bool("aborted", r.Aborted),
		slog.Int("remaining", b.expected-len(b.results)),
	)

	if len(b.results) >= b.expected {
		return b.closeLocked()
	}
	return false
}

// closeLocked marks the board complete and reports whether this call did so.
func (b *board) closeLocked() bool {
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

func (b *board) snapshot() map[int]Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int]Result, len(b.results))
	for k, v := range b.results {
		out[k] = v
	}
	return out
}

func (b *board) counts() (pending, running, finished int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), len(b.running), len(b.results)
}
