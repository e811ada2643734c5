// Package local implements the driver.Driver interface by running each
// realization as a child process of the orchestrator.  It is meant for
// workstations and tests where no batch scheduler is available.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlexanderSemenyak/ert/internal/driver"
)

// Backend is the name used for the runpath metadata file (local_info.json).
const Backend = "local"

// Config holds settings for the local driver.
type Config struct {
	// Shell runs the realization command as `<Shell> -c <command>`.
	// Default: /bin/sh
	Shell string

	// KillGrace is how long Kill waits after SIGTERM before sending
	// SIGKILL.  Default: 5s.
	KillGrace time.Duration

	// QueueSize is the capacity of the event queue.  Default: 1024.
	QueueSize int
}

// Driver runs realizations as local processes.
type Driver struct {
	cfg     Config
	tracker *driver.Tracker
	logger  *slog.Logger
	tracer  trace.Tracer

	mu    sync.Mutex
	procs map[int]*process

	wg sync.WaitGroup
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a local driver.
func New(cfg Config, logger *slog.Logger) *Driver {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		cfg:     cfg,
		tracker: driver.NewTracker(cfg.QueueSize),
		logger:  logger,
		tracer:  otel.Tracer("ert/driver/local"),
		procs:   make(map[int]*process),
	}
}

// Events returns the ordered lifecycle event queue.
func (d *Driver) Events() <-chan driver.Event {
	return d.tracker.Events()
}

// Submit starts the command immediately.  The process id is the job id.
func (d *Driver) Submit(ctx context.Context, iens int, command string, opts ...driver.SubmitOption) error {
	_, span := d.tracer.Start(ctx, "driver.local.Submit")
	defer span.End()
	span.SetAttributes(attribute.Int("realization.iens", iens))

	o := driver.ApplySubmitOptions(iens, opts)
	if d.tracker.Submitted(iens) {
		return &driver.SubmitError{Iens: iens, Err: driver.ErrAlreadySubmitted}
	}

	// The process must outlive the Submit call, so it is not bound to ctx.
	cmd := exec.Command(d.cfg.Shell, "-c", command)
	cmd.Dir = o.RunPath
	cmd.Env = append(os.Environ(), "_ERT_REALIZATION_NUMBER="+strconv.Itoa(iens))
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		return &driver.SubmitError{Iens: iens, Err: fmt.Errorf("start %s: %w", d.cfg.Shell, err)}
	}

	jobID := strconv.Itoa(cmd.Process.Pid)
	if err := d.tracker.Register(iens, jobID, o); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return &driver.SubmitError{Iens: iens, Err: err}
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.procs[iens] = p
	d.mu.Unlock()

	if err := driver.WriteJobInfo(o.RunPath, Backend, jobID); err != nil {
		d.logger.Warn("failed to write job info",
			slog.Int("iens", iens),
			slog.String("runPath", o.RunPath),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("realization started",
		slog.Int("iens", iens),
		slog.String("pid", jobID),
		slog.String("name", o.Name),
	)

	// Events are emitted with a background context: the queue is bounded
	// but always drained by the orchestrator.
	if err := d.tracker.Start(context.Background(), iens); err != nil {
		d.logger.Warn("failed to emit start", slog.Int("iens", iens), slog.String("error", err.Error()))
	}

	d.wg.Add(1)
	go d.wait(iens, p)
	return nil
}

func (d *Driver) wait(iens int, p *process) {
	defer d.wg.Done()
	defer close(p.done)

	err := p.cmd.Wait()
	raw := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			d.logger.Error("wait failed", slog.Int("iens", iens), slog.String("error", err.Error()))
			raw = 1
		} else {
			raw = exitStatus(exitErr)
		}
	}

	returnCode, aborted := driver.BinaryOutcome(raw)
	d.logger.Info("realization finished",
		slog.Int("iens", iens),
		slog.Int("exitStatus", raw),
		slog.Bool("aborted", aborted),
	)
	if err := d.tracker.Finish(context.Background(), iens, returnCode, aborted); err != nil {
		d.logger.Warn("failed to emit finish", slog.Int("iens", iens), slog.String("error", err.Error()))
	}
}

// exitStatus returns the process exit code, or 128+signal for a process
// terminated by a signal.
func exitStatus(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}

// Poll has nothing to query: process exits are observed by the per-process
// wait goroutines.  It blocks until ctx is cancelled.
func (d *Driver) Poll(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Kill sends SIGTERM to the realization and SIGKILL if it is still alive
// after KillGrace.  It returns once the process has exited.
func (d *Driver) Kill(ctx context.Context, iens int) error {
	_, span := d.tracer.Start(ctx, "driver.local.Kill")
	defer span.End()
	span.SetAttributes(attribute.Int("realization.iens", iens))

	job, err := d.tracker.RequestKill(iens)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	d.mu.Lock()
	p := d.procs[iens]
	d.mu.Unlock()
	if p == nil {
		return fmt.Errorf("kill realization %d: %w", iens, driver.ErrUnknownRealization)
	}

	d.logger.Info("killing realization", slog.Int("iens", iens), slog.String("pid", job.JobID))
	if err := terminate(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %s: %w", job.JobID, err)
	}

	timer := time.NewTimer(d.cfg.KillGrace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := forceKill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %s: %w", job.JobID, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown kills every running realization and waits for the wait
// goroutines to exit.
func (d *Driver) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, job := range d.tracker.Active() {
		if err := d.Kill(ctx, job.Iens); err != nil {
			d.logger.Error("shutdown: failed to kill realization",
				slog.Int("iens", job.Iens),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}
