package protocol

import (
	"encoding/json"
	"time"
)

// EnvelopeVersion is the only wire version this worker speaks.
const EnvelopeVersion = "v1"

// EnvelopeKind discriminates the payload carried by an Envelope.
type EnvelopeKind string

const (
	KindAssign     EnvelopeKind = "exec_assign"
	KindResult     EnvelopeKind = "exec_result"
	KindHeartbeat  EnvelopeKind = "heartbeat"
	KindDeadLetter EnvelopeKind = "dead_letter"
)

// Envelope is the versioned wrapper around every message on the bus.
type Envelope struct {
	Version string          `json:"version"`
	Kind    EnvelopeKind    `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Assignment is a unit of work received from the bus.
type Assignment struct {
	JobID     string          `json:"job_id"`
	JobType   string          `json:"job_type"`
	Params    json.RawMessage `json:"params"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// Timeout returns the assignment's timeout override, or fallback when unset.
func (a *Assignment) Timeout(fallback time.Duration) time.Duration {
	if a.TimeoutMS > 0 {
		return time.Duration(a.TimeoutMS) * time.Millisecond
	}
	return fallback
}

// Status is the terminal outcome of an assignment.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Failure error codes produced by the core. Handlers supply their own codes
// for domain failures.
const (
	CodeInvalidAssignment = "INVALID_ASSIGNMENT"
	CodeUnknownJobType    = "UNKNOWN_JOB_TYPE"
	CodeTimeout           = "TIMEOUT"
	CodeCancelled         = "CANCELLED"
	CodeHandlerPanic      = "HANDLER_PANIC"
)

// Result reports the terminal outcome of one assignment.
type Result struct {
	JobID        string          `json:"job_id"`
	Status       Status          `json:"status"`
	JobType      string          `json:"job_type"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	WorkerID     string          `json:"worker_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	DurationMS   int64           `json:"duration_ms"`
	TraceID      string          `json:"trace_id,omitempty"`
}

// WorkerStatus is the liveness state reported in heartbeats.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerStopped  WorkerStatus = "stopped"
)

// Heartbeat is the periodic liveness and load report.
type Heartbeat struct {
	WorkerID       string       `json:"worker_id"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         WorkerStatus `json:"status"`
	ActiveJobs     int          `json:"active_jobs"`
	MaxConcurrency int          `json:"max_concurrency"`
	Load           float64      `json:"load"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
}

// DeadLetterEntry is one record in the durable dead-letter queue. Appended
// once, never mutated. Assignment is nil when the inbound bytes never decoded.
type DeadLetterEntry struct {
	EntryID       string          `json:"entry_id,omitempty"`
	Assignment    *Assignment     `json:"assignment,omitempty"`
	PayloadRef    json.RawMessage `json:"payload_ref,omitempty"`
	FailureReason string          `json:"failure_reason"`
	AttemptCount  int             `json:"attempt_count"`
	FailedAt      time.Time       `json:"failed_at"`
}

// State tracks an assignment through the dispatcher.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is one of the four terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// FinalState maps a result to the dispatcher state it terminates in.
func FinalState(r *Result) State {
	if r.Status == StatusSuccess {
		return StateCompleted
	}
	switch r.ErrorCode {
	case CodeTimeout:
		return StateTimedOut
	case CodeCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}
