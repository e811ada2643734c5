// Package adaptor forwards events that forward-model steps append to a
// per-realization log file onto the bus.
package adaptor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AlexanderSemenyak/ert/internal/dispatch"
	"github.com/AlexanderSemenyak/ert/internal/event"
)

// Publisher is a producer connection owned by one tail.
type Publisher interface {
	dispatch.Sink
	Close() error
}

// NewPublisher returns the publisher a tail uses for realization iens.
type NewPublisher func(iens int) Publisher

// Log is one realization's event log.
type Log struct {
	Iens int
	Path string
}

// Config holds adaptor settings.
type Config struct {
	// PollInterval is how often a tail re-checks its file when no
	// filesystem notification arrives.  Default: 250ms.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Adaptor runs one tail per log.
type Adaptor struct {
	logs   []Log
	newPub NewPublisher
	cfg    Config
	logger *slog.Logger
}

// RemoveStale deletes log files left over from an earlier run.  Files that
// do not exist are fine.
func RemoveStale(paths []string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove stale log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// New creates an adaptor for logs.  Each tail gets its own publisher from
// newPub.
func New(logs []Log, newPub NewPublisher, cfg Config) *Adaptor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Adaptor{
		logs:   logs,
		newPub: newPub,
		cfg:    cfg,
		logger: cfg.Logger.WithGroup("adaptor"),
	}
}

// Run tails every log until it reports the end of its step or ctx is
// cancelled.  A failing tail is logged and does not stop the others; the
// failures are returned joined once every tail is done.
func (a *Adaptor) Run(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, l := range a.logs {
		wg.Add(1)
		go func() {
			defer wg.Done()

			tailCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if err := a.tail(tailCtx, l); err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Error("log tail failed",
					slog.Int("iens", l.Iens),
					slog.String("path", l.Path),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("realization %d: %w", l.Iens, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Tail
// ---------------------------------------------------------------------------

func (a *Adaptor) tail(ctx context.Context, l Log) error {
	pub := a.newPub(l.Iens)
	defer func() {
		if err := pub.Close(); err != nil {
			a.logger.Warn("closing log publisher", slog.Int("iens", l.Iens), slog.String("error", err.Error()))
		}
	}()

	w := newWaker(filepath.Dir(l.Path), a.cfg.PollInterval, a.logger)
	defer w.close()

	f, err := a.open(ctx, l.Path, w)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	a.logger.Debug("tailing log", slog.Int("iens", l.Iens), slog.String("path", l.Path))

	r := bufio.NewReader(f)
	var partial []byte
	lineNo := 0
	for {
		chunk, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", l.Path, err)
		}
		if errors.Is(err, io.EOF) {
			// Incomplete line: keep it and wait for the writer to finish.
			partial = append(partial, chunk...)
			if werr := w.wait(ctx); werr != nil {
				return werr
			}
			continue
		}

		line := append(partial, chunk...)
		partial = nil
		lineNo++
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		ev, err := event.Decode(line)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", l.Path, lineNo, err)
		}
		if err := pub.Publish(ctx, ev); err != nil {
			return err
		}
		if event.EndsStep(ev.Type) {
			a.logger.Debug("step finished, tail done", slog.Int("iens", l.Iens), slog.String("type", ev.Type))
			return nil
		}
	}
}

// open waits for path to exist.
func (a *Adaptor) open(ctx context.Context, path string, w *waker) (*os.File, error) {
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := w.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// ---------------------------------------------------------------------------
// Wake-ups
// ---------------------------------------------------------------------------

// waker blocks a tail until its directory changes or the poll interval
// elapses.  Without a watcher (the directory may not exist yet, or the
// platform ran out of watches) it degrades to polling.
type waker struct {
	watcher *fsnotify.Watcher
	ticker  *time.Ticker
}

func newWaker(dir string, interval time.Duration, logger *slog.Logger) *waker {
	w := &waker{ticker: time.NewTicker(interval)}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("fsnotify unavailable, polling", slog.String("error", err.Error()))
		return w
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return w
	}
	w.watcher = watcher
	return w
}

func (w *waker) wait(ctx context.Context) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-events:
	case <-errs:
	case <-w.ticker.C:
	}
	return nil
}

func (w *waker) close() {
	w.ticker.Stop()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
