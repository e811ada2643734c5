package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobState is the lifecycle stage of a submitted realization.
type JobState int

const (
	StatePending JobState = iota
	StateStarted
	StateFinished
	StateAborted
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarted:
		return "started"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to JobState) bool {
	switch from {
	case StatePending:
		return to == StateStarted || to == StateAborted
	case StateStarted:
		return to == StateFinished || to == StateAborted
	default:
		return false
	}
}

// Job is the driver-side record of a submitted realization.
type Job struct {
	Iens          int
	JobID         string
	Name          string
	RunPath       string
	State         JobState
	KillRequested bool
}

// Tracker owns the iens → job mapping of one driver instance and turns
// state changes into events.  It guarantees at most one StartedEvent and
// exactly one FinishedEvent per realization, in that order.
type Tracker struct {
	// emitMu serialises transition+send so events leave in the order the
	// transitions happened.
	emitMu sync.Mutex

	mu   sync.Mutex
	jobs map[int]*Job
	ids  map[string]int

	events chan Event
}

// NewTracker creates a Tracker whose event queue holds queueSize events.
func NewTracker(queueSize int) *Tracker {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Tracker{
		jobs:   make(map[int]*Job),
		ids:    make(map[string]int),
		events: make(chan Event, queueSize),
	}
}

// Events returns the ordered event queue.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Submitted reports whether iens has been registered.
func (t *Tracker) Submitted(iens int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.jobs[iens]
	return ok
}

// Register records a successful submission.  The mapping is append-only:
// registering the same iens twice is an error.
func (t *Tracker) Register(iens int, jobID string, opts SubmitOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.jobs[iens]; ok {
		return ErrAlreadySubmitted
	}
	t.jobs[iens] = &Job{
		Iens:    iens,
		JobID:   jobID,
		Name:    opts.Name,
		RunPath: opts.RunPath,
		State:   StatePending,
	}
	t.ids[jobID] = iens
	return nil
}

// Get returns a snapshot of the job for iens.
func (t *Tracker) Get(iens int) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[iens]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// IensForJobID maps a backend job id back to its realization.
func (t *Tracker) IensForJobID(jobID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	iens, ok := t.ids[jobID]
	return iens, ok
}

// Active returns snapshots of all non-terminal jobs ordered by iens.
func (t *Tracker) Active() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		if !job.State.Terminal() {
			active = append(active, *job)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Iens < active[j].Iens })
	return active
}

// AllTerminal reports whether every registered job reached a terminal state.
func (t *Tracker) AllTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.jobs {
		if !job.State.Terminal() {
			return false
		}
	}
	return true
}

// RequestKill flags iens as killed so its terminal event is reported as
// aborted whatever the backend says afterwards.
func (t *Tracker) RequestKill(iens int) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[iens]
	if !ok {
		return Job{}, fmt.Errorf("kill realization %d: %w", iens, ErrUnknownRealization)
	}
	job.KillRequested = true
	return *job, nil
}

// Start moves iens from Pending to Started and emits a StartedEvent.  It is
// a no-op for any other state.
func (t *Tracker) Start(ctx context.Context, iens int) error {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	job, ok := t.jobs[iens]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("start realization %d: %w", iens, ErrUnknownRealization)
	}
	if job.State != StatePending {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.send(ctx, StartedEvent{Iens: iens}); err != nil {
		return err
	}
	t.setState(job, StateStarted)
	return nil
}

// Finish moves iens to its terminal state and emits the FinishedEvent.  A
// job that finishes without ever being seen running gets its StartedEvent
// first, unless it was killed while still pending.  Killed jobs always
// finish with return code 1 and Aborted set.  Finishing a terminal job is a
// no-op.  A state only changes once its event is queued, so a Finish that
// failed on ctx can be repeated.
func (t *Tracker) Finish(ctx context.Context, iens int, returnCode int, aborted bool) error {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	job, ok := t.jobs[iens]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("finish realization %d: %w", iens, ErrUnknownRealization)
	}
	if job.State.Terminal() {
		t.mu.Unlock()
		return nil
	}
	if job.KillRequested {
		returnCode, aborted = 1, true
	}

	synthStart := job.State == StatePending && !job.KillRequested
	t.mu.Unlock()

	if synthStart {
		if err := t.send(ctx, StartedEvent{Iens: iens}); err != nil {
			return err
		}
		t.setState(job, StateStarted)
	}

	if err := t.send(ctx, FinishedEvent{Iens: iens, ReturnCode: returnCode, Aborted: aborted}); err != nil {
		return err
	}
	if aborted {
		t.setState(job, StateAborted)
	} else {
		t.setState(job, StateFinished)
	}
	return nil
}

func (t *Tracker) setState(job *Job, s JobState) {
	t.mu.Lock()
	job.State = s
	t.mu.Unlock()
}

func (t *Tracker) send(ctx context.Context, ev Event) error {
	// Prefer delivery when the queue has room, even if ctx is already done.
	select {
	case t.events <- ev:
		return nil
	default:
	}
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
