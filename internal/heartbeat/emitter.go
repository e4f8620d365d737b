// Package heartbeat announces worker liveness on a fixed interval.
package heartbeat

import (
	"context"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/gate"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/protocol"
)

// Bus is the slice of the transport the emitter needs.
type Bus interface {
	Publish(subject string, data []byte) error
}

// Emitter publishes one heartbeat per tick. A failed publish is logged and
// skipped; the next tick fires on schedule regardless, so heartbeats never
// queue up behind a broken bus.
type Emitter struct {
	bus      Bus
	gate     *gate.Gate
	hub      *events.Hub
	workerID string
	subject  string
	interval time.Duration
	started  time.Time

	draining func() bool
}

func NewEmitter(bus Bus, g *gate.Gate, hub *events.Hub, workerID, subject string, interval time.Duration, draining func() bool) *Emitter {
	if draining == nil {
		draining = func() bool { return false }
	}
	return &Emitter{
		bus:      bus,
		gate:     g,
		hub:      hub,
		workerID: workerID,
		subject:  subject,
		interval: interval,
		started:  time.Now(),
		draining: draining,
	}
}

// Run emits until ctx ends. The final draining and stopped beats are sent
// by the worker during shutdown, not here; Run only covers steady state.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Emit(e.status())
		}
	}
}

// Emit publishes a single heartbeat with the given status.
func (e *Emitter) Emit(status protocol.WorkerStatus) {
	hb := e.Snapshot(status)
	payload, err := protocol.EncodeHeartbeat(hb)
	if err != nil {
		log.WithComponent("heartbeat").Error("encoding heartbeat", "error", err)
		return
	}
	if err := e.bus.Publish(e.subject, payload); err != nil {
		log.WithComponent("heartbeat").Warn("heartbeat publish failed", "error", err)
		return
	}
	if e.hub != nil {
		e.hub.Publish(events.TypeHeartbeat, hb)
	}
}

// Snapshot builds the heartbeat document for the current worker state.
func (e *Emitter) Snapshot(status protocol.WorkerStatus) *protocol.Heartbeat {
	return &protocol.Heartbeat{
		WorkerID:       e.workerID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		ActiveJobs:     e.gate.InUse(),
		MaxConcurrency: e.gate.Capacity(),
		Load:           e.gate.Load(),
		UptimeSeconds:  int64(time.Since(e.started).Seconds()),
	}
}

func (e *Emitter) status() protocol.WorkerStatus {
	if e.draining() {
		return protocol.WorkerDraining
	}
	if e.gate.InUse() > 0 {
		return protocol.WorkerBusy
	}
	return protocol.WorkerIdle
}
