// Package ensemble ties the pieces of an ensemble run together: it leases a
// port, starts the event bus, forwards driver and legacy-log events onto
// it, submits every realization and tears it all down again in reverse
// order.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlexanderSemenyak/ert/internal/adaptor"
	"github.com/AlexanderSemenyak/ert/internal/dispatch"
	"github.com/AlexanderSemenyak/ert/internal/driver"
	"github.com/AlexanderSemenyak/ert/internal/evaluator"
	"github.com/AlexanderSemenyak/ert/internal/event"
	"github.com/AlexanderSemenyak/ert/internal/netutil"
	"github.com/AlexanderSemenyak/ert/internal/wsutil"
)

// ErrTerminated is returned by Wait when the bus was shut down (usually by
// a monitor) before every realization finished.
var ErrTerminated = errors.New("event bus terminated before the ensemble finished")

// Realization is one unit of work.
type Realization struct {
	Iens    int
	Command string
	// RunPath is the working directory.  Optional.
	RunPath string
	// Name is the backend job name.  Optional.
	Name string
}

// Config holds everything an ensemble run needs.
type Config struct {
	Realizations []Realization
	Driver       driver.Driver

	// Host is the address the bus binds to.  Default: 127.0.0.1.
	Host string
	// Ports are the bus port candidates.  Empty lets the OS pick one.
	Ports []int
	// Reuse sets SO_REUSEADDR on the bus socket.
	Reuse bool

	// LegacyLogs enables forwarding of per-realization event logs found
	// at <runpath>/<LogName>.
	LegacyLogs bool
	// LogName is the event log file name.  Default: event_log.
	LogName string
	// LogGrace is how long Close lets legacy log tails finish on their
	// own before cancelling them.  Default: 2s.
	LogGrace time.Duration

	// ShutdownGrace bounds how long Close waits for the final events of
	// killed realizations.  Default: 10s.
	ShutdownGrace time.Duration

	MaxQueue       int
	MaxMessageSize int64
	Backoff        wsutil.Backoff

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.LogName == "" {
		c.LogName = "event_log"
	}
	if c.LogGrace <= 0 {
		c.LogGrace = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Backoff.MaxElapsed <= 0 {
		c.Backoff = wsutil.DefaultBackoff()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

func (c *Config) validate() error {
	if c.Driver == nil {
		return errors.New("ensemble: driver is required")
	}
	seen := make(map[int]struct{}, len(c.Realizations))
	for _, r := range c.Realizations {
		if r.Iens < 0 {
			return fmt.Errorf("ensemble: negative realization index %d", r.Iens)
		}
		if _, dup := seen[r.Iens]; dup {
			return fmt.Errorf("ensemble: realization %d listed twice", r.Iens)
		}
		seen[r.Iens] = struct{}{}
	}
	return nil
}

type cleanup struct {
	name string
	fn   func(ctx context.Context) error
}

// Context is a running ensemble.  Close must be called exactly once the
// caller is done with it; further calls are no-ops.
type Context struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	sessionID string

	bus   *evaluator.Server
	board *board

	// stopped closes once ensemble.stopped was handed to the bus.
	stopped  chan struct{}
	stopOnce sync.Once

	cleanups  []cleanup
	closeOnce sync.Once
	closeErr  error
}

// NewSessionID returns a short random session id.
func NewSessionID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return strings.SplitN(id.String(), "-", 2)[0]
}

// Open starts the bus and submits every realization.  On error everything
// created so far is torn down again.
func Open(ctx context.Context, cfg Config) (*Context, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Context{
		cfg:       cfg,
		tracer:    otel.Tracer("ert/ensemble"),
		sessionID: NewSessionID(),
		stopped:   make(chan struct{}),
	}
	c.logger = cfg.Logger.With(slog.String("session", c.sessionID))

	ctx, span := c.tracer.Start(ctx, "ensemble.Open")
	defer span.End()
	span.SetAttributes(
		attribute.String("ensemble.session", c.sessionID),
		attribute.Int("ensemble.realizations", len(cfg.Realizations)),
	)

	if err := c.open(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if cerr := c.Close(closeCtx); cerr != nil {
			c.logger.Error("teardown after failed open", slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	return c, nil
}

func (c *Context) push(name string, fn func(ctx context.Context) error) {
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// background starts fn on a context that lives until its cleanup runs.
// The cleanup first calls drain, then cancels fn and waits for it.
func (c *Context) background(name string, fn func(ctx context.Context) error, drain func(ctx context.Context)) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error(name+" stopped", slog.String("error", err.Error()))
		}
	}()

	c.push(name, func(ctx context.Context) error {
		if drain != nil {
			drain(ctx)
		}
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%s did not stop: %w", name, ctx.Err())
		}
	})
}

func (c *Context) open(ctx context.Context) error {
	cfg := c.cfg

	// -----------------------------------------------------------------
	// 1. Lease a port and start the bus on it
	// -----------------------------------------------------------------
	lease, err := netutil.Allocate(ctx, cfg.Ports, cfg.Host, cfg.Reuse)
	if err != nil {
		return fmt.Errorf("allocating event bus port: %w", err)
	}

	c.bus = evaluator.New(lease, evaluator.Config{
		SessionID:      c.sessionID,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxQueue:       cfg.MaxQueue,
		Logger:         cfg.Logger.WithGroup("bus"),
	})
	c.push("event bus", c.bus.Stop)

	if err := c.bus.Start(); err != nil {
		return err
	}
	endpoints := c.bus.Endpoints()
	if err := wsutil.WaitForBus(ctx, endpoints, cfg.Backoff); err != nil {
		return err
	}
	c.logger.Info("event bus ready", slog.String("url", endpoints.Base()))

	// -----------------------------------------------------------------
	// 2. Legacy event logs
	// -----------------------------------------------------------------
	if cfg.LegacyLogs {
		c.startAdaptor(endpoints)
	}

	// -----------------------------------------------------------------
	// 3. Driver events
	// -----------------------------------------------------------------
	pub := dispatch.New(endpoints, dispatch.Config{
		Source:  event.DriverSource(c.sessionID),
		Backoff: cfg.Backoff,
		Logger:  cfg.Logger.WithGroup("dispatch"),
	})
	c.push("driver publisher", func(context.Context) error { return pub.Close() })

	c.board = newBoard(len(cfg.Realizations), c.logger)

	// ensemble.stopped travels through the driver publisher right after
	// the last terminal event, so monitors see it behind every job event.
	sink := busSink{sink: pub, done: c.bus.Done()}
	fwd := &dispatch.Forwarder{
		Sink:   sink,
		Logger: cfg.Logger.WithGroup("forwarder"),
		Observe: func(ctx context.Context, ev driver.Event) {
			if c.board.observe(ctx, ev) {
				c.announceStopped(ctx, sink)
			}
		},
	}
	c.background("forwarder", func(ctx context.Context) error {
		return fwd.Run(ctx, cfg.Driver.Events())
	}, nil)

	// The poll loop outlives the driver shutdown so that backends which
	// learn about kills by polling still report them.
	c.background("driver poll", cfg.Driver.Poll, func(ctx context.Context) {
		t := time.NewTimer(cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-c.stopped:
		case <-t.C:
			pending, running, _ := c.board.counts()
			c.logger.Warn("realizations still active after shutdown grace",
				slog.Int("pending", pending),
				slog.Int("running", running),
			)
		case <-ctx.Done():
		}
	})
	c.push("driver", cfg.Driver.Shutdown)

	// -----------------------------------------------------------------
	// 4. Submit
	// -----------------------------------------------------------------
	c.bus.Publish(ctx, event.EnsembleStarted(c.sessionID))

	for _, r := range cfg.Realizations {
		c.submit(ctx, sink, r)
	}
	if len(cfg.Realizations) == 0 {
		c.announceStopped(ctx, sink)
	}
	return nil
}

// announceStopped publishes ensemble.stopped once and releases Wait.
func (c *Context) announceStopped(ctx context.Context, sink dispatch.Sink) {
	c.stopOnce.Do(func() {
		defer close(c.stopped)
		if err := sink.Publish(ctx, event.EnsembleStopped(c.sessionID)); err != nil {
			c.logger.Warn("failed to publish ensemble stop", slog.String("error", err.Error()))
		}
	})
}

func (c *Context) startAdaptor(endpoints wsutil.Endpoints) {
	var (
		logs  []adaptor.Log
		paths []string
	)
	for _, r := range c.cfg.Realizations {
		if r.RunPath == "" {
			continue
		}
		path := filepath.Join(r.RunPath, c.cfg.LogName)
		logs = append(logs, adaptor.Log{Iens: r.Iens, Path: path})
		paths = append(paths, path)
	}
	if len(logs) == 0 {
		return
	}

	if err := adaptor.RemoveStale(paths); err != nil {
		c.logger.Warn("removing stale event logs", slog.String("error", err.Error()))
	}

	a := adaptor.New(logs, func(iens int) adaptor.Publisher {
		return dispatch.New(endpoints, dispatch.Config{
			Source:  event.LogSource(c.sessionID, iens),
			Backoff: c.cfg.Backoff,
			Logger:  c.cfg.Logger.WithGroup("dispatch"),
		})
	}, adaptor.Config{Logger: c.cfg.Logger})

	done := make(chan struct{})
	c.background("legacy log adaptor", func(ctx context.Context) error {
		defer close(done)
		return a.Run(ctx)
	}, func(ctx context.Context) {
		t := time.NewTimer(c.cfg.LogGrace)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
		case <-ctx.Done():
		}
	})
}

func (c *Context) submit(ctx context.Context, pub dispatch.Sink, r Realization) {
	var opts []driver.SubmitOption
	if r.RunPath != "" {
		opts = append(opts, driver.WithRunPath(r.RunPath))
	}
	if r.Name != "" {
		opts = append(opts, driver.WithName(r.Name))
	}

	c.board.submitted(r.Iens)
	err := c.cfg.Driver.Submit(ctx, r.Iens, r.Command, opts...)
	if err == nil {
		return
	}

	c.logger.Error("submit failed",
		slog.Int("iens", r.Iens),
		slog.String("error", err.Error()),
	)
	if perr := pub.Publish(ctx, event.JobSubmitFailed(r.Iens, err)); perr != nil {
		c.logger.Warn("failed to publish submit failure",
			slog.Int("iens", r.Iens),
			slog.String("error", perr.Error()),
		)
	}
	if c.board.rejected(ctx, r.Iens) {
		c.announceStopped(ctx, pub)
	}
}

// SessionID identifies this run.  It is part of every source the run
// publishes from.
func (c *Context) SessionID() string {
	return c.sessionID
}

// Endpoints returns where monitors can reach the bus.
func (c *Context) Endpoints() wsutil.Endpoints {
	return c.bus.Endpoints()
}

// Wait blocks until every realization has finished and that was announced
// on the bus, the bus was terminated, or ctx is done, and returns the
// results known at that point.
func (c *Context) Wait(ctx context.Context) (map[int]Result, error) {
	select {
	case <-c.stopped:
		return c.board.snapshot(), nil
	case <-c.bus.Done():
		pending, running, _ := c.board.counts()
		c.logger.Warn("event bus terminated while realizations were active",
			slog.Int("pending", pending),
			slog.Int("running", running),
		)
		return c.board.snapshot(), ErrTerminated
	case <-ctx.Done():
		return c.board.snapshot(), ctx.Err()
	}
}

// Close tears everything down in the reverse order it was created: the
// driver kills what is still running, then the poll loop, the forwarder,
// the publishers, the log adaptor and finally the bus and its port.  It
// is safe after a partial Open and after a previous Close.
func (c *Context) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		for i := len(c.cleanups) - 1; i >= 0; i-- {
			cl := c.cleanups[i]
			c.logger.Debug("teardown", slog.String("step", cl.name))
			if err := cl.fn(ctx); err != nil {
				c.logger.Error("teardown step failed",
					slog.String("step", cl.name),
					slog.String("error", err.Error()),
				)
				errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
			}
		}
		c.cleanups = nil
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// busSink stops publishing once the bus is gone instead of retrying
// against a closed port.
type busSink struct {
	sink dispatch.Sink
	done <-chan struct{}
}

func (s busSink) Publish(ctx context.Context, ev event.Event) error {
	select {
	case <-s.done:
		return ErrTerminated
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.sink.Publish(ctx, ev)
}

// Run opens an ensemble, waits for it and closes it.
func Run(ctx context.Context, cfg Config) (map[int]Result, error) {
	ec, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	results, werr := ec.Wait(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return results, errors.Join(werr, ec.Close(closeCtx))
}
