// Package worker runs the assignment intake loop: subscribe, decode,
// deduplicate, dispatch, publish, and drain on shutdown.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/stevedore/internal/config"
	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/gate"
	"github.com/mattjoyce/stevedore/internal/heartbeat"
	"github.com/mattjoyce/stevedore/internal/journal"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/protocol"
	"github.com/mattjoyce/stevedore/internal/publish"
	"github.com/mattjoyce/stevedore/internal/transport"
)

const resubscribeDelay = time.Second

// Stats are monotonic counters surfaced on the ops endpoints.
type Stats struct {
	Received     atomic.Int64
	Duplicates   atomic.Int64
	Completed    atomic.Int64
	Failed       atomic.Int64
	DeadLettered atomic.Int64
}

// StatsSnapshot is the JSON view of the counters.
type StatsSnapshot struct {
	Received     int64 `json:"received"`
	Duplicates   int64 `json:"duplicates"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Engine owns the intake loop and the drain sequence. One Engine per
// process; Run blocks until shutdown completes.
type Engine struct {
	cfg        *config.Config
	bus        transport.Transport
	dispatcher *dispatch.Dispatcher
	publisher  *publish.Publisher
	journal    *journal.Journal
	window     *journal.Window
	gate       *gate.Gate
	emitter    *heartbeat.Emitter
	hub        *events.Hub

	stats    Stats
	ready    atomic.Bool
	draining atomic.Bool
	wg       sync.WaitGroup
}

func New(cfg *config.Config, bus transport.Transport, dispatcher *dispatch.Dispatcher, publisher *publish.Publisher, jnl *journal.Journal, window *journal.Window, g *gate.Gate, emitter *heartbeat.Emitter, hub *events.Hub) *Engine {
	return &Engine{
		cfg:        cfg,
		bus:        bus,
		dispatcher: dispatcher,
		publisher:  publisher,
		journal:    jnl,
		window:     window,
		gate:       g,
		emitter:    emitter,
		hub:        hub,
	}
}

// Draining reports whether shutdown has begun. Readiness flips on this.
func (e *Engine) Draining() bool { return e.draining.Load() }

// Ready reports whether the engine holds a live assignment subscription.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Snapshot returns the current counter values.
func (e *Engine) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:     e.stats.Received.Load(),
		Duplicates:   e.stats.Duplicates.Load(),
		Completed:    e.stats.Completed.Load(),
		Failed:       e.stats.Failed.Load(),
		DeadLettered: e.stats.DeadLettered.Load(),
	}
}

// Run consumes assignments until ctx is cancelled, then drains. A closed
// subscription stream is resubscribed after a short delay; the worker only
// gives up on the bus when told to stop.
func (e *Engine) Run(ctx context.Context) error {
	logger := log.WithWorker(e.cfg.Worker.ID)

	// In-flight jobs survive intake shutdown until the drain grace runs out.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	for {
		sub, err := e.bus.Subscribe(e.cfg.Bus.AssignSubject)
		if err != nil {
			logger.Error("subscribe failed, retrying", "subject", e.cfg.Bus.AssignSubject, "error", err)
			select {
			case <-ctx.Done():
				return e.drain(logger, cancelJobs)
			case <-time.After(resubscribeDelay):
				continue
			}
		}
		logger.Info("subscribed", "subject", e.cfg.Bus.AssignSubject)
		e.ready.Store(true)

		if stopped := e.consume(ctx, jobsCtx, sub); stopped {
			_ = sub.Unsubscribe()
			return e.drain(logger, cancelJobs)
		}

		// Stream ended without shutdown; back off and resubscribe.
		e.ready.Store(false)
		logger.Warn("assignment stream ended, resubscribing", "subject", e.cfg.Bus.AssignSubject)
		select {
		case <-ctx.Done():
			return e.drain(logger, cancelJobs)
		case <-time.After(resubscribeDelay):
		}
	}
}

// consume reads one subscription until shutdown (true) or stream end (false).
func (e *Engine) consume(ctx, jobsCtx context.Context, sub transport.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, ok := <-sub.Messages():
			if !ok {
				return false
			}
			e.handle(jobsCtx, msg)
		}
	}
}

func (e *Engine) handle(jobsCtx context.Context, msg transport.Message) {
	logger := log.WithWorker(e.cfg.Worker.ID)
	e.stats.Received.Add(1)

	a, err := protocol.DecodeAssignment(msg.Data)
	if err != nil {
		if errors.Is(err, protocol.ErrWrongKind) {
			logger.Error("unexpected envelope kind on assignment subject", "error", err)
			return
		}
		logger.Error("assignment rejected", "state", protocol.StateFailed, "error", err)
		if e.hub != nil {
			e.hub.Publish(events.TypeAssignRejected, map[string]any{"error": err.Error()})
		}
		e.stats.DeadLettered.Add(1)
		ref, _ := json.Marshal(map[string]any{"subject": msg.Subject, "len": len(msg.Data)})
		if dlErr := e.publisher.DeadLetter(&protocol.DeadLetterEntry{
			PayloadRef:    ref,
			FailureReason: "PARSE_ERROR",
			AttemptCount:  1,
			FailedAt:      time.Now().UTC(),
		}); dlErr != nil {
			logger.Error("dead letter write failed for rejected assignment", "error", dlErr)
		}
		return
	}

	jobLogger := log.WithJob(a.JobID, a.JobType)
	jobLogger.Info("assignment received", "state", protocol.StateValidated, "trace_id", a.TraceID)
	if e.hub != nil {
		e.hub.Publish(events.TypeAssignReceived, map[string]any{
			"job_id": a.JobID, "job_type": a.JobType,
		})
	}

	if e.window.Observe(a.JobID) {
		e.skipDuplicate(jobLogger, a, "recent window")
		return
	}
	if e.journal != nil {
		seen, err := e.journal.Seen(jobsCtx, a.JobID)
		if err != nil {
			jobLogger.Warn("outcome lookup failed, executing anyway", "error", err)
		} else if seen {
			e.skipDuplicate(jobLogger, a, "journal")
			return
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res := e.dispatcher.Dispatch(jobsCtx, a)

		if res.Status == protocol.StatusSuccess {
			e.stats.Completed.Add(1)
		} else {
			e.stats.Failed.Add(1)
		}
		if e.journal != nil {
			if err := e.journal.Record(jobsCtx, res); err != nil {
				jobLogger.Warn("outcome record failed", "error", err)
			}
		}
		if err := e.publisher.PublishResult(jobsCtx, res); err != nil {
			e.stats.DeadLettered.Add(1)
		}
	}()
}

func (e *Engine) skipDuplicate(jobLogger *slog.Logger, a *protocol.Assignment, source string) {
	e.stats.Duplicates.Add(1)
	jobLogger.Info("duplicate assignment skipped", "source", source)
	if e.hub != nil {
		e.hub.Publish(events.TypeAssignDuplicate, map[string]any{
			"job_id": a.JobID, "source": source,
		})
	}
}

// drain announces draining, waits out in-flight jobs, cancels stragglers
// past the grace period, and sends the final stopped heartbeat.
func (e *Engine) drain(logger *slog.Logger, cancelJobs context.CancelFunc) error {
	e.ready.Store(false)
	e.draining.Store(true)
	logger.Info("draining", "in_flight", e.gate.InUse(), "grace", e.cfg.Worker.DrainGrace.String())
	if e.hub != nil {
		e.hub.Publish(events.TypeDraining, map[string]any{"in_flight": e.gate.InUse()})
	}
	if e.emitter != nil {
		e.emitter.Emit(protocol.WorkerDraining)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.Worker.DrainGrace):
		logger.Warn("drain grace expired, cancelling remaining jobs", "in_flight", e.gate.InUse())
		cancelJobs()
		<-done
	}

	if e.emitter != nil {
		e.emitter.Emit(protocol.WorkerStopped)
	}
	logger.Info("worker stopped")
	return nil
}
