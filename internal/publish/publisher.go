// Package publish delivers results to the bus with bounded retry and
// diverts what cannot be delivered to the dead-letter queue.
package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_bus.go -package=mocks github.com/mattjoyce/stevedore/internal/publish Bus,DeadLetterSink

// Bus is the slice of the transport the publisher needs.
type Bus interface {
	Publish(subject string, data []byte) error
}

// DeadLetterSink receives entries that exhausted their delivery attempts.
type DeadLetterSink interface {
	Append(entry *protocol.DeadLetterEntry) error
}

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

type Publisher struct {
	bus           Bus
	sink          DeadLetterSink
	hub           *events.Hub
	resultSubject string
	dlqSubject    string
	maxRetries    int

	// sleep is swapped in tests so retry paths run without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(bus Bus, sink DeadLetterSink, hub *events.Hub, resultSubject, dlqSubject string, maxRetries int) *Publisher {
	return &Publisher{
		bus:           bus,
		sink:          sink,
		hub:           hub,
		resultSubject: resultSubject,
		dlqSubject:    dlqSubject,
		maxRetries:    maxRetries,
		sleep:         sleepCtx,
	}
}

// PublishResult delivers res to the result subject. Transient failures are
// retried up to the configured budget with exponential backoff; permanent
// failures and exhausted budgets divert the result to the dead-letter queue.
// The returned error reports delivery failure even after a successful DLQ
// diversion, so callers can count it.
func (p *Publisher) PublishResult(ctx context.Context, res *protocol.Result) error {
	logger := log.WithJob(res.JobID, res.JobType)

	payload, err := protocol.EncodeResult(res)
	if err != nil {
		return fmt.Errorf("encoding result for %s: %w", res.JobID, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = p.bus.Publish(p.resultSubject, payload)
		if lastErr == nil {
			logger.Info("result published",
				"status", res.Status,
				"duration_ms", res.DurationMS,
				"attempts", attempt+1)
			if p.hub != nil {
				p.hub.Publish(events.TypeResultPublished, map[string]any{
					"job_id": res.JobID, "status": res.Status,
				})
			}
			return nil
		}

		if !Transient(lastErr) || attempt >= p.maxRetries {
			break
		}

		backoff := Backoff(attempt + 1)
		logger.Warn("result publish failed, retrying",
			"attempt", attempt+1,
			"backoff", backoff.String(),
			"error", lastErr)
		if p.hub != nil {
			p.hub.Publish(events.TypeResultRetry, map[string]any{
				"job_id": res.JobID, "attempt": attempt + 1,
			})
		}
		if err := p.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	logger.Error("result publish exhausted, diverting to dead letter queue",
		"error", lastErr)
	p.divert(res, payload, lastErr)
	return fmt.Errorf("publishing result for %s: %w", res.JobID, lastErr)
}

// divert records the undeliverable result on disk and best-effort announces
// it on the dead-letter subject. The file write is the durable record; the
// subject publish may well fail for the same reason the result did.
func (p *Publisher) divert(res *protocol.Result, payload []byte, cause error) {
	entry := &protocol.DeadLetterEntry{
		PayloadRef:    payload,
		FailureReason: "PUBLISH_ERROR",
		AttemptCount:  p.maxRetries + 1,
		FailedAt:      time.Now().UTC(),
	}
	if err := p.sink.Append(entry); err != nil {
		log.WithJob(res.JobID, res.JobType).Error("dead letter write failed",
			"error", err, "cause", cause)
	}
	if data, err := protocol.EncodeDeadLetter(entry); err == nil {
		_ = p.bus.Publish(p.dlqSubject, data)
	}
}

// DeadLetter records an assignment that never reached execution, such as an
// undecodable message. No permit is held at that point; the entry goes
// straight to the file and, best effort, to the dead-letter subject.
func (p *Publisher) DeadLetter(entry *protocol.DeadLetterEntry) error {
	if err := p.sink.Append(entry); err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}
	if data, err := protocol.EncodeDeadLetter(entry); err == nil {
		_ = p.bus.Publish(p.dlqSubject, data)
	}
	return nil
}

// Backoff returns the delay before retry attempt n (1-based), doubling from
// the base and capped at the ceiling.
func Backoff(attempt int) time.Duration {
	d := baseBackoff << uint(attempt)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
