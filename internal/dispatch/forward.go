package dispatch

import (
	"context"
	"log/slog"

	"github.com/AlexanderSemenyak/ert/internal/driver"
	"github.com/AlexanderSemenyak/ert/internal/event"
)

// ToEvent converts a driver lifecycle event into its bus event.
func ToEvent(ev driver.Event) (event.Event, bool) {
	switch e := ev.(type) {
	case driver.StartedEvent:
		return event.JobStarted(e.Iens), true
	case driver.FinishedEvent:
		return event.JobFinished(e.Iens, e.ReturnCode, e.Aborted), true
	default:
		return event.Event{}, false
	}
}

// Forwarder drains a driver's event queue into a Sink.  Drivers know
// nothing about the bus; the forwarder is what connects the two.
type Forwarder struct {
	Sink   Sink
	Logger *slog.Logger

	// Observe, when set, is called on the forwarding goroutine with every
	// driver event after it was handed to the sink, whether or not
	// publishing succeeded.  Whatever Observe publishes to the same sink
	// lands behind that event.
	Observe func(context.Context, driver.Event)
}

// Run forwards events until ctx is cancelled.  A failed publish is logged
// and does not stop forwarding.
func (f *Forwarder) Run(ctx context.Context, events <-chan driver.Event) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if out, ok := ToEvent(ev); ok {
				if err := f.Sink.Publish(ctx, out); err != nil {
					logger.Warn("failed to publish driver event",
						slog.Int("iens", ev.Realization()),
						slog.String("error", err.Error()),
					)
				}
			} else {
				logger.Warn("ignoring unknown driver event", slog.Int("iens", ev.Realization()))
			}
			if f.Observe != nil {
				f.Observe(ctx, ev)
			}
		}
	}
}
