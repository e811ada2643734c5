// Package event defines the typed events exchanged on the event bus and
// their CloudEvents wire encoding.
package event

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Event types.  The vocabulary is closed: Decode rejects anything else.
const (
	TypeJobStarted       = "ert.ensemble.job.started.v1"
	TypeJobFinished      = "ert.ensemble.job.finished.v1"
	TypeTerminated       = "ert.ensemble.terminated.v1"
	TypeTerminateRequest = "ert.ensemble.terminate_request.v1"
	TypeEnsembleStarted  = "ert.ensemble.started.v1"
	TypeEnsembleStopped  = "ert.ensemble.stopped.v1"

	TypeStepWaiting = "ert.forward_model.step.waiting.v1"
	TypeStepPending = "ert.forward_model.step.pending.v1"
	TypeStepRunning = "ert.forward_model.step.running.v1"
	TypeStepSuccess = "ert.forward_model.step.success.v1"
	TypeStepFailure = "ert.forward_model.step.failure.v1"

	TypeFMJobStart   = "ert.forward_model.job.start.v1"
	TypeFMJobRunning = "ert.forward_model.job.running.v1"
	TypeFMJobSuccess = "ert.forward_model.job.success.v1"
	TypeFMJobFailure = "ert.forward_model.job.failure.v1"
)

var knownTypes = map[string]struct{}{
	TypeJobStarted:       {},
	TypeJobFinished:      {},
	TypeTerminated:       {},
	TypeTerminateRequest: {},
	TypeEnsembleStarted:  {},
	TypeEnsembleStopped:  {},
	TypeStepWaiting:      {},
	TypeStepPending:      {},
	TypeStepRunning:      {},
	TypeStepSuccess:      {},
	TypeStepFailure:      {},
	TypeFMJobStart:       {},
	TypeFMJobRunning:     {},
	TypeFMJobSuccess:     {},
	TypeFMJobFailure:     {},
}

// Known reports whether t is part of the event vocabulary.
func Known(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// EndsStep reports whether t is the last event a forward-model step
// writes to its log.
func EndsStep(t string) bool {
	return t == TypeStepSuccess || t == TypeStepFailure
}

// Payload is the JSON data carried by an event.  Every field is optional;
// which ones are set depends on the type.
type Payload struct {
	Iens       *int   `json:"iens,omitempty"`
	ReturnCode *int   `json:"returncode,omitempty"`
	Aborted    *bool  `json:"aborted,omitempty"`
	Step       *int   `json:"step,omitempty"`
	Job        *int   `json:"job,omitempty"`
	Name       string `json:"name,omitempty"`
	Error      string `json:"error,omitempty"`
	SessionID  string `json:"ee_id,omitempty"`
}

// Event is one message on the bus.  Events are values: Stamp returns a
// modified copy instead of changing the receiver.
type Event struct {
	Type   string
	Source string
	ID     uint64
	Time   time.Time
	Data   *Payload
}

// Stamp returns a copy of e carrying source and id.
func (e Event) Stamp(source string, id uint64) Event {
	e.Source = source
	e.ID = id
	return e
}

// Iens returns the realization the event refers to, if any.
func (e Event) Iens() (int, bool) {
	if e.Data == nil || e.Data.Iens == nil {
		return 0, false
	}
	return *e.Data.Iens, true
}

func (e Event) String() string {
	if iens, ok := e.Iens(); ok {
		return fmt.Sprintf("%s#%d(%s iens=%d)", e.Source, e.ID, e.Type, iens)
	}
	return fmt.Sprintf("%s#%d(%s)", e.Source, e.ID, e.Type)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func ptr[T any](v T) *T { return &v }

// JobStarted reports that realization iens started running.
func JobStarted(iens int) Event {
	return Event{Type: TypeJobStarted, Time: time.Now().UTC(), Data: &Payload{Iens: ptr(iens)}}
}

// JobFinished is the terminal event of realization iens.
func JobFinished(iens, returnCode int, aborted bool) Event {
	return Event{
		Type: TypeJobFinished,
		Time: time.Now().UTC(),
		Data: &Payload{Iens: ptr(iens), ReturnCode: ptr(returnCode), Aborted: ptr(aborted)},
	}
}

// JobSubmitFailed is the terminal event of a realization the driver could
// not submit.
func JobSubmitFailed(iens int, err error) Event {
	ev := JobFinished(iens, 1, true)
	ev.Data.Error = err.Error()
	return ev
}

// Terminated is broadcast by the bus right before it shuts down.
func Terminated(sessionID string) Event {
	return Event{Type: TypeTerminated, Time: time.Now().UTC(), Data: &Payload{SessionID: sessionID}}
}

// TerminateRequest asks the bus to shut down.
func TerminateRequest() Event {
	return Event{Type: TypeTerminateRequest, Time: time.Now().UTC()}
}

// EnsembleStarted announces a new session.
func EnsembleStarted(sessionID string) Event {
	return Event{Type: TypeEnsembleStarted, Time: time.Now().UTC(), Data: &Payload{SessionID: sessionID}}
}

// EnsembleStopped announces that every realization of a session finished.
func EnsembleStopped(sessionID string) Event {
	return Event{Type: TypeEnsembleStopped, Time: time.Now().UTC(), Data: &Payload{SessionID: sessionID}}
}

// ---------------------------------------------------------------------------
// Sources and ids
// ---------------------------------------------------------------------------

// BusSource is the source of events the bus itself originates.
func BusSource(sessionID string) string {
	return "/ert/ee/" + sessionID
}

// DriverSource is the source of job events forwarded from a driver.
func DriverSource(sessionID string) string {
	return BusSource(sessionID) + "/driver"
}

// LogSource is the source of events read from a realization's legacy log.
func LogSource(sessionID string, iens int) string {
	return fmt.Sprintf("%s/real/%d/log", BusSource(sessionID), iens)
}

// MonitorSource is the source of requests sent by monitor n.
func MonitorSource(n int) string {
	return fmt.Sprintf("/ert/monitor/%d", n)
}

// Sequencer hands out the ids of one source: 1, 2, 3, ...  The zero value
// is ready to use and safe for concurrent use.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next id.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}
