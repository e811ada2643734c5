// Package lsf implements the driver.Driver interface on top of an
// LSF-style batch system by shelling out to bsub, bjobs and bkill.
//
// LSF only reports whether a job succeeded (DONE) or failed (EXIT); the
// exit status of the submitted command is not reliably visible through
// bjobs.  Finished realizations therefore carry return code 0 or 1 only.
package lsf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AlexanderSemenyak/ert/internal/driver"
)

// Backend is the name used for the runpath metadata file (lsf_info.json).
const Backend = "lsf"

// maxMisses is how many consecutive polls may omit a job before it is
// considered lost and reported as failed.
const maxMisses = 3

// Config holds LSF-specific settings.
type Config struct {
	// BsubCmd, BjobsCmd and BkillCmd are the scheduler binaries.
	// Defaults: "bsub", "bjobs", "bkill" looked up on PATH.
	BsubCmd  string
	BjobsCmd string
	BkillCmd string

	// Queue is the LSF queue to submit to (bsub -q).  Optional.
	Queue string

	// Resources is an LSF resource requirement string (bsub -R).  Optional.
	Resources string

	// PollInterval bounds how often bjobs is invoked.  Default: 2s.
	PollInterval time.Duration

	// QueueSize is the capacity of the event queue.  Default: 1024.
	QueueSize int
}

// runFunc executes a scheduler binary and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Driver submits realizations to LSF.
type Driver struct {
	cfg     Config
	tracker *driver.Tracker
	run     runFunc
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer

	// misses is owned by the poll loop.
	mu     sync.Mutex
	misses map[string]int
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates an LSF driver.
func New(cfg Config, logger *slog.Logger) *Driver {
	if cfg.BsubCmd == "" {
		cfg.BsubCmd = "bsub"
	}
	if cfg.BjobsCmd == "" {
		cfg.BjobsCmd = "bjobs"
	}
	if cfg.BkillCmd == "" {
		cfg.BkillCmd = "bkill"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Driver{
		cfg:     cfg,
		tracker: driver.NewTracker(cfg.QueueSize),
		run:     execRun,
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		logger:  logger,
		tracer:  otel.Tracer("ert/driver/lsf"),
		misses:  make(map[string]int),
	}
}

// Events returns the ordered lifecycle event queue.
func (d *Driver) Events() <-chan driver.Event {
	return d.tracker.Events()
}

// JobID returns the LSF job id assigned to iens.
func (d *Driver) JobID(iens int) (string, bool) {
	job, ok := d.tracker.Get(iens)
	return job.JobID, ok
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

var jobIDRE = regexp.MustCompile(`Job <([0-9]+)>`)

// Submit runs bsub for one realization and records the returned job id.
func (d *Driver) Submit(ctx context.Context, iens int, command string, opts ...driver.SubmitOption) error {
	ctx, span := d.tracer.Start(ctx, "driver.lsf.Submit")
	defer span.End()

	o := driver.ApplySubmitOptions(iens, opts)
	span.SetAttributes(
		attribute.Int("realization.iens", iens),
		attribute.String("lsf.job_name", o.Name),
	)

	if d.tracker.Submitted(iens) {
		return &driver.SubmitError{Iens: iens, Err: driver.ErrAlreadySubmitted}
	}

	out, err := d.run(ctx, d.cfg.BsubCmd, d.bsubArgs(o, command)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bsub failed")
		return &driver.SubmitError{Iens: iens, Err: fmt.Errorf("%s: %w", d.cfg.BsubCmd, err)}
	}

	jobID, err := parseJobID(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unparsable bsub output")
		return &driver.SubmitError{Iens: iens, Err: err}
	}
	span.SetAttributes(attribute.String("lsf.job_id", jobID))

	if err := d.tracker.Register(iens, jobID, o); err != nil {
		return &driver.SubmitError{Iens: iens, Err: err}
	}

	if err := driver.WriteJobInfo(o.RunPath, Backend, jobID); err != nil {
		d.logger.Warn("failed to write job info",
			slog.Int("iens", iens),
			slog.String("runPath", o.RunPath),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("realization submitted",
		slog.Int("iens", iens),
		slog.String("jobID", jobID),
		slog.String("name", o.Name),
	)
	return nil
}

func (d *Driver) bsubArgs(o driver.SubmitOptions, command string) []string {
	args := []string{"-J", o.Name}
	if d.cfg.Queue != "" {
		args = append(args, "-q", d.cfg.Queue)
	}
	if d.cfg.Resources != "" {
		args = append(args, "-R", d.cfg.Resources)
	}
	if o.RunPath != "" {
		args = append(args,
			"-cwd", o.RunPath,
			"-o", filepath.Join(o.RunPath, o.Name+".LSF-stdout"),
			"-e", filepath.Join(o.RunPath, o.Name+".LSF-stderr"),
		)
	} else {
		args = append(args, "-o", os.DevNull, "-e", os.DevNull)
	}
	return append(args, "/bin/sh", "-c", command)
}

func parseJobID(out []byte) (string, error) {
	m := jobIDRE.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not find job id in bsub output %q", strings.TrimSpace(string(out)))
	}
	return string(m[1]), nil
}

// ---------------------------------------------------------------------------
// Poll
// ---------------------------------------------------------------------------

// Poll runs bjobs for all unfinished jobs at most once per PollInterval
// until ctx is cancelled.  Failing bjobs calls are logged and retried on
// the next tick.
func (d *Driver) Poll(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.pollOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("bjobs poll failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type bjobsOutput struct {
	Records []bjobsRecord `json:"RECORDS"`
}

type bjobsRecord struct {
	JobID    string `json:"JOBID"`
	Stat     string `json:"STAT"`
	ExitCode string `json:"EXIT_CODE"`
	Error    string `json:"ERROR"`
}

func (d *Driver) pollOnce(ctx context.Context) error {
	active := d.tracker.Active()
	if len(active) == 0 {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	args := []string{"-o", "jobid stat exit_code", "-json"}
	for _, job := range active {
		args = append(args, job.JobID)
	}

	out, err := d.run(ctx, d.cfg.BjobsCmd, args...)
	if err != nil && len(out) == 0 {
		return fmt.Errorf("%s: %w", d.cfg.BjobsCmd, err)
	}

	statuses, err := parseBjobs(out)
	if err != nil {
		return err
	}

	for _, job := range active {
		stat, ok := statuses[job.JobID]
		if !ok {
			if err := d.missing(ctx, job); err != nil {
				return err
			}
			continue
		}
		d.seen(job.JobID)
		if err := d.apply(ctx, job, stat); err != nil {
			return err
		}
	}
	return nil
}

// parseBjobs returns job id → STAT for every record without an error.
func parseBjobs(out []byte) (map[string]string, error) {
	var parsed bjobsOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return nil, fmt.Errorf("parse bjobs output: %w", err)
	}
	statuses := make(map[string]string, len(parsed.Records))
	for _, rec := range parsed.Records {
		if rec.Error != "" || rec.JobID == "" {
			continue
		}
		statuses[rec.JobID] = rec.Stat
	}
	return statuses, nil
}

func (d *Driver) apply(ctx context.Context, job driver.Job, stat string) error {
	switch stat {
	case "PEND", "PSUSP", "WAIT", "PROV":
		return nil
	case "RUN", "USUSP", "SSUSP":
		return d.tracker.Start(ctx, job.Iens)
	case "DONE":
		return d.finish(ctx, job, 0, false)
	case "EXIT", "ZOMBI":
		return d.finish(ctx, job, 1, true)
	default:
		d.logger.Debug("ignoring bjobs status",
			slog.Int("iens", job.Iens),
			slog.String("jobID", job.JobID),
			slog.String("stat", stat),
		)
		return nil
	}
}

func (d *Driver) finish(ctx context.Context, job driver.Job, returnCode int, aborted bool) error {
	d.logger.Info("realization finished",
		slog.Int("iens", job.Iens),
		slog.String("jobID", job.JobID),
		slog.Bool("aborted", aborted || job.KillRequested),
	)
	return d.tracker.Finish(ctx, job.Iens, returnCode, aborted)
}

// missing handles a job bjobs did not report.  LSF forgets finished jobs
// after CLEAN_PERIOD, so a job that stays missing is reported as failed.
func (d *Driver) missing(ctx context.Context, job driver.Job) error {
	d.mu.Lock()
	d.misses[job.JobID]++
	n := d.misses[job.JobID]
	d.mu.Unlock()

	if n < maxMisses {
		return nil
	}
	d.logger.Warn("job no longer known to bjobs, marking failed",
		slog.Int("iens", job.Iens),
		slog.String("jobID", job.JobID),
	)
	return d.finish(ctx, job, 1, true)
}

func (d *Driver) seen(jobID string) {
	d.mu.Lock()
	delete(d.misses, jobID)
	d.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Kill / Shutdown
// ---------------------------------------------------------------------------

// Kill runs bkill for iens.  The realization finishes aborted once bjobs
// reports it gone.
func (d *Driver) Kill(ctx context.Context, iens int) error {
	ctx, span := d.tracer.Start(ctx, "driver.lsf.Kill")
	defer span.End()
	span.SetAttributes(attribute.Int("realization.iens", iens))

	job, err := d.tracker.RequestKill(iens)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	d.logger.Info("killing realization", slog.Int("iens", iens), slog.String("jobID", job.JobID))
	if _, err := d.run(ctx, d.cfg.BkillCmd, job.JobID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s %s: %w", d.cfg.BkillCmd, job.JobID, err)
	}
	return nil
}

// Shutdown kills every realization that has not finished.
func (d *Driver) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, job := range d.tracker.Active() {
		if err := d.Kill(ctx, job.Iens); err != nil {
			d.logger.Error("shutdown: failed to kill realization",
				slog.Int("iens", job.Iens),
				slog.String("jobID", job.JobID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// execRun runs name with args and returns stdout.  Stderr is folded into
// the error so scheduler messages reach the log.
func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return out, err
	}
	return out, nil
}
