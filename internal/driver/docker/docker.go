// Package docker implements the driver.Driver interface by running each
// realization in its own container on a Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AlexanderSemenyak/ert/internal/driver"
)

// Backend is the name used for the runpath metadata file (docker_info.json).
const Backend = "docker"

// Container labels set on every realization container.
const (
	LabelIens = "org.ert.iens"
	LabelName = "org.ert.name"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image realizations run in.
	// Default: busybox:latest
	Image string

	// SkipPull disables pulling Image in New.  Useful when the image is
	// built locally.
	SkipPull bool

	// Workdir is where the runpath is bind-mounted inside the container.
	// Default: /work
	Workdir string

	// User overrides the container user.  Optional.
	User string

	// PollInterval bounds how often containers are inspected.  Default: 1s.
	PollInterval time.Duration

	// QueueSize is the capacity of the event queue.  Default: 1024.
	QueueSize int
}

// Driver runs realizations as Docker containers.
type Driver struct {
	client  *dockerclient.Client
	cfg     Config
	tracker *driver.Tracker
	logger  *slog.Logger
	tracer  trace.Tracer

	mu         sync.Mutex
	containers map[int]string // iens -> containerID
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a Docker driver, connects to the daemon, and pulls the
// realization image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Image == "" {
		cfg.Image = "busybox:latest"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/work"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if !cfg.SkipPull {
		logger.Info("pulling realization image", slog.String("image", cfg.Image))

		pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
		}
		// Drain and close the pull stream so the image is fully downloaded.
		if _, err := io.ReadAll(pull); err != nil {
			return nil, fmt.Errorf("reading image pull response: %w", err)
		}
		if err := pull.Close(); err != nil {
			return nil, fmt.Errorf("closing image pull stream: %w", err)
		}

		logger.Info("realization image ready", slog.String("image", cfg.Image))
	}

	return newDriver(client, cfg, logger), nil
}

func newDriver(client *dockerclient.Client, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		client:     client,
		cfg:        cfg,
		tracker:    driver.NewTracker(cfg.QueueSize),
		logger:     logger,
		tracer:     otel.Tracer("ert/driver/docker"),
		containers: make(map[int]string),
	}
}

// Events returns the ordered lifecycle event queue.
func (d *Driver) Events() <-chan driver.Event {
	return d.tracker.Events()
}

// Submit creates and starts a container running the command with the
// runpath mounted as its working directory.
func (d *Driver) Submit(ctx context.Context, iens int, command string, opts ...driver.SubmitOption) error {
	ctx, span := d.tracer.Start(ctx, "driver.docker.Submit")
	defer span.End()
	span.SetAttributes(attribute.Int("realization.iens", iens))

	o := driver.ApplySubmitOptions(iens, opts)
	if d.tracker.Submitted(iens) {
		return &driver.SubmitError{Iens: iens, Err: driver.ErrAlreadySubmitted}
	}

	cfg := &container.Config{
		Image: d.cfg.Image,
		User:  d.cfg.User,
		Cmd:   []string{"/bin/sh", "-c", command},
		Env:   []string{"_ERT_REALIZATION_NUMBER=" + strconv.Itoa(iens)},
		Labels: map[string]string{
			LabelIens: strconv.Itoa(iens),
			LabelName: o.Name,
		},
	}

	var hostCfg *container.HostConfig
	if o.RunPath != "" {
		cfg.WorkingDir = d.cfg.Workdir
		hostCfg = &container.HostConfig{
			Binds: []string{o.RunPath + ":" + d.cfg.Workdir},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "container create failed")
		return &driver.SubmitError{Iens: iens, Err: fmt.Errorf("container create: %w", err)}
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		span.RecordError(err)
		span.SetStatus(codes.Error, "container start failed")
		return &driver.SubmitError{Iens: iens, Err: fmt.Errorf("container start %s: %w", resp.ID, err)}
	}

	if err := d.tracker.Register(iens, resp.ID, o); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return &driver.SubmitError{Iens: iens, Err: err}
	}

	d.mu.Lock()
	d.containers[iens] = resp.ID
	d.mu.Unlock()

	if err := driver.WriteJobInfo(o.RunPath, Backend, resp.ID); err != nil {
		d.logger.Warn("failed to write job info",
			slog.Int("iens", iens),
			slog.String("runPath", o.RunPath),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("realization submitted",
		slog.Int("iens", iens),
		slog.String("containerID", resp.ID),
		slog.String("name", o.Name),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Poll
// ---------------------------------------------------------------------------

type phase int

const (
	phaseUnknown phase = iota
	phasePending
	phaseRunning
	phaseExited
)

// classify maps a container state onto the realization lifecycle.  For an
// exited container it also returns the exit code.
func classify(state *container.State) (phase, int) {
	if state == nil {
		return phaseUnknown, 0
	}
	switch state.Status {
	case "created", "restarting":
		return phasePending, 0
	case "running", "paused":
		return phaseRunning, 0
	case "exited", "dead":
		return phaseExited, state.ExitCode
	default:
		return phaseUnknown, 0
	}
}

// Poll inspects every tracked container once per PollInterval until ctx is
// cancelled.  Exited containers are removed once their outcome is recorded.
func (d *Driver) Poll(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, job := range d.tracker.Active() {
			if err := d.inspect(ctx, job); err != nil && ctx.Err() == nil {
				d.logger.Warn("container inspect failed",
					slog.Int("iens", job.Iens),
					slog.String("containerID", job.JobID),
					slog.String("error", err.Error()),
				)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Driver) inspect(ctx context.Context, job driver.Job) error {
	info, err := d.client.ContainerInspect(ctx, job.JobID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			d.logger.Warn("container vanished, marking failed",
				slog.Int("iens", job.Iens),
				slog.String("containerID", job.JobID),
			)
			d.forget(job.Iens)
			return d.tracker.Finish(ctx, job.Iens, 1, true)
		}
		return err
	}

	p, exitCode := classify(info.State)
	switch p {
	case phaseRunning:
		return d.tracker.Start(ctx, job.Iens)
	case phaseExited:
		returnCode, aborted := driver.BinaryOutcome(exitCode)
		d.logger.Info("realization finished",
			slog.Int("iens", job.Iens),
			slog.String("containerID", job.JobID),
			slog.Int("exitCode", exitCode),
		)
		if err := d.tracker.Finish(ctx, job.Iens, returnCode, aborted); err != nil {
			return err
		}
		d.remove(ctx, job.Iens, job.JobID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Kill / Shutdown
// ---------------------------------------------------------------------------

// Kill force-removes the realization container and reports it aborted.
func (d *Driver) Kill(ctx context.Context, iens int) error {
	ctx, span := d.tracer.Start(ctx, "driver.docker.Kill")
	defer span.End()
	span.SetAttributes(attribute.Int("realization.iens", iens))

	job, err := d.tracker.RequestKill(iens)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	d.logger.Info("killing realization", slog.Int("iens", iens), slog.String("containerID", job.JobID))
	if err := d.client.ContainerRemove(ctx, job.JobID, container.RemoveOptions{Force: true}); err != nil &&
		!dockerclient.IsErrNotFound(err) {
		span.RecordError(err)
		return fmt.Errorf("container remove %s: %w", job.JobID, err)
	}
	d.forget(iens)

	return d.tracker.Finish(ctx, iens, 1, true)
}

func (d *Driver) remove(ctx context.Context, iens int, id string) {
	if err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil &&
		!dockerclient.IsErrNotFound(err) {
		d.logger.Warn("failed to remove finished container",
			slog.Int("iens", iens),
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
		return
	}
	d.forget(iens)
}

func (d *Driver) forget(iens int) {
	d.mu.Lock()
	delete(d.containers, iens)
	d.mu.Unlock()
}

// Shutdown force-removes every container this driver is tracking.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	snapshot := make(map[int]string, len(d.containers))
	for k, v := range d.containers {
		snapshot[k] = v
	}
	d.mu.Unlock()

	var firstErr error
	for iens, id := range snapshot {
		d.logger.Info("shutdown: removing realization container",
			slog.Int("iens", iens),
			slog.String("containerID", id),
		)
		if err := d.Kill(ctx, iens); err != nil {
			d.logger.Error("shutdown: failed to remove realization container",
				slog.Int("iens", iens),
				slog.String("containerID", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	d.mu.Lock()
	clear(d.containers)
	d.mu.Unlock()

	if err := d.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
