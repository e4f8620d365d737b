// Package dispatch executes validated assignments under the concurrency
// gate and turns every execution into exactly one terminal result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/gate"
	"github.com/mattjoyce/stevedore/internal/handler"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/protocol"
)

// Clock supplies timestamps so tests can pin them.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns wall-clock time in UTC.
func SystemClock() Clock { return systemClock{} }

// Dispatcher runs one assignment at a time per call. Callers own the
// fan-out; Dispatch itself blocks until the assignment reaches a terminal
// state and always returns a result, even when the handler panics.
type Dispatcher struct {
	registry       *handler.Registry
	gate           *gate.Gate
	hub            *events.Hub
	workerID       string
	defaultTimeout time.Duration
	clock          Clock
}

func New(registry *handler.Registry, g *gate.Gate, hub *events.Hub, workerID string, defaultTimeout time.Duration, clock Clock) *Dispatcher {
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		registry:       registry,
		gate:           g,
		hub:            hub,
		workerID:       workerID,
		defaultTimeout: defaultTimeout,
		clock:          clock,
	}
}

// Dispatch takes a validated assignment through admission, execution, and
// completion. Unknown job types fail immediately without consuming a
// permit. ctx cancellation while waiting or running yields a cancelled
// result; the assignment timeout yields a timed-out result.
func (d *Dispatcher) Dispatch(ctx context.Context, a *protocol.Assignment) *protocol.Result {
	logger := log.WithJob(a.JobID, a.JobType)

	fn, ok := d.registry.Resolve(a.JobType)
	if !ok {
		logger.Warn("unknown job type rejected", "state", protocol.StateFailed)
		return d.terminal(a, d.clock.Now(), protocol.StatusFailure, nil,
			protocol.CodeUnknownJobType, fmt.Sprintf("unknown job type: %s", a.JobType))
	}

	permit, err := d.gate.Acquire(ctx)
	if err != nil {
		logger.Info("cancelled before admission", "state", protocol.StateCancelled)
		return d.terminal(a, d.clock.Now(), protocol.StatusFailure, nil,
			protocol.CodeCancelled, "worker shutting down before execution started")
	}
	defer permit.Release()

	started := d.clock.Now()
	logger.Info("job started",
		"state", protocol.StateRunning,
		"timeout", a.Timeout(d.defaultTimeout).String(),
		"in_use", d.gate.InUse())
	if d.hub != nil {
		d.hub.Publish(events.TypeJobStarted, map[string]any{
			"job_id": a.JobID, "job_type": a.JobType,
		})
	}

	runCtx, cancel := context.WithTimeout(ctx, a.Timeout(d.defaultTimeout))
	defer cancel()

	output, runErr := d.run(runCtx, fn, a)

	var res *protocol.Result
	switch {
	case runErr == nil:
		res = d.terminal(a, started, protocol.StatusSuccess, output, "", "")
	case errors.Is(runErr, context.DeadlineExceeded) && runCtx.Err() != nil && ctx.Err() == nil:
		res = d.terminal(a, started, protocol.StatusFailure, nil,
			protocol.CodeTimeout, fmt.Sprintf("job exceeded timeout of %s", a.Timeout(d.defaultTimeout)))
	case ctx.Err() != nil:
		res = d.terminal(a, started, protocol.StatusFailure, nil,
			protocol.CodeCancelled, "job cancelled during worker shutdown")
	default:
		code, msg := faultOf(runErr)
		res = d.terminal(a, started, protocol.StatusFailure, nil, code, msg)
	}

	state := protocol.FinalState(res)
	logger.Info("job finished",
		"state", state,
		"status", res.Status,
		"duration_ms", res.DurationMS,
		"error_code", res.ErrorCode)
	if d.hub != nil {
		d.hub.Publish(events.TypeJobFinished, map[string]any{
			"job_id": a.JobID, "job_type": a.JobType,
			"state": state, "duration_ms": res.DurationMS,
		})
	}
	return res
}

type runOutcome struct {
	output []byte
	err    error
}

// run invokes the handler on its own goroutine with panic containment and
// waits for completion or the deadline, whichever comes first. A handler
// that ignores its context is abandoned at the deadline: the result slot is
// buffered so the stray goroutine can finish and be collected without a
// receiver, and Dispatch proceeds to the terminal result with the permit
// released exactly once.
func (d *Dispatcher) run(ctx context.Context, fn handler.Func, a *protocol.Assignment) ([]byte, error) {
	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithJob(a.JobID, a.JobType).Error("handler panic recovered", "panic", fmt.Sprint(r))
				done <- runOutcome{err: handler.Faultf(protocol.CodeHandlerPanic, "handler panicked: %v", r)}
			}
		}()
		output, err := fn(ctx, a.Params)
		done <- runOutcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		return out.output, out.err
	case <-ctx.Done():
		log.WithJob(a.JobID, a.JobType).Warn("handler did not exit by deadline, abandoning execution")
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) terminal(a *protocol.Assignment, started time.Time, status protocol.Status, output []byte, code, msg string) *protocol.Result {
	finished := d.clock.Now()
	return &protocol.Result{
		JobID:        a.JobID,
		JobType:      a.JobType,
		Status:       status,
		Output:       output,
		ErrorCode:    code,
		ErrorMessage: log.MaskPII(msg),
		WorkerID:     d.workerID,
		StartedAt:    started,
		FinishedAt:   finished,
		DurationMS:   finished.Sub(started).Milliseconds(),
		TraceID:      a.TraceID,
	}
}

func faultOf(err error) (code, msg string) {
	var fault *handler.Fault
	if errors.As(err, &fault) {
		return fault.Code, fault.Message
	}
	return "HANDLER_ERROR", err.Error()
}
