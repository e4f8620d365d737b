package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/gate"
	"github.com/mattjoyce/stevedore/internal/handler"
	"github.com/mattjoyce/stevedore/internal/protocol"
)

type stubClock struct{ t time.Time }

func (c *stubClock) Now() time.Time { return c.t }

func newTestDispatcher(t *testing.T, capacity int, register func(*handler.Registry)) *Dispatcher {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register("echo", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})
	if register != nil {
		register(reg)
	}
	return New(reg, gate.New(capacity), events.NewHub(16), "worker-test", 5*time.Second, nil)
}

func assignment(jobType string, params string) *protocol.Assignment {
	return &protocol.Assignment{
		JobID:   "job-1",
		JobType: jobType,
		Params:  json.RawMessage(params),
		TraceID: "trace-1",
	}
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, 2, nil)

	res := d.Dispatch(context.Background(), assignment("echo", `{"k":"v"}`))
	if res.Status != protocol.StatusSuccess {
		t.Fatalf("status = %s, want success (error: %s %s)", res.Status, res.ErrorCode, res.ErrorMessage)
	}
	if string(res.Output) != `{"k":"v"}` {
		t.Errorf("output = %s, want params echoed", res.Output)
	}
	if res.WorkerID != "worker-test" || res.TraceID != "trace-1" || res.JobID != "job-1" {
		t.Errorf("identity fields wrong: %+v", res)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("finished_at %v before started_at %v", res.FinishedAt, res.StartedAt)
	}
	if got := protocol.FinalState(res); got != protocol.StateCompleted {
		t.Errorf("final state = %s, want completed", got)
	}
}

func TestDispatchUnknownJobType(t *testing.T) {
	t.Parallel()
	g := gate.New(1)
	d := New(handler.NewRegistry(), g, nil, "worker-test", time.Second, nil)

	res := d.Dispatch(context.Background(), assignment("nope", `{}`))
	if res.Status != protocol.StatusFailure || res.ErrorCode != protocol.CodeUnknownJobType {
		t.Fatalf("got status=%s code=%s, want failure/UNKNOWN_JOB_TYPE", res.Status, res.ErrorCode)
	}
	if g.InUse() != 0 {
		t.Error("unknown job type consumed a permit")
	}
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, 1, func(reg *handler.Registry) {
		reg.Register("stall", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	a := assignment("stall", `{}`)
	a.TimeoutMS = 30
	res := d.Dispatch(context.Background(), a)
	if res.ErrorCode != protocol.CodeTimeout {
		t.Fatalf("error code = %s, want TIMEOUT", res.ErrorCode)
	}
	if got := protocol.FinalState(res); got != protocol.StateTimedOut {
		t.Errorf("final state = %s, want timed_out", got)
	}
}

func TestDispatchAbandonsContextIgnoringHandler(t *testing.T) {
	t.Parallel()
	g := gate.New(1)
	reg := handler.NewRegistry()
	never := make(chan struct{})
	reg.Register("deaf", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		// Ignores its context entirely.
		<-never
		return nil, nil
	})
	d := New(reg, g, nil, "worker-test", 5*time.Second, nil)

	a := assignment("deaf", `{}`)
	a.TimeoutMS = 50

	type dispatched struct{ res *protocol.Result }
	ch := make(chan dispatched, 1)
	go func() { ch <- dispatched{d.Dispatch(context.Background(), a)} }()

	select {
	case got := <-ch:
		if got.res.ErrorCode != protocol.CodeTimeout {
			t.Fatalf("error code = %s, want TIMEOUT", got.res.ErrorCode)
		}
		if state := protocol.FinalState(got.res); state != protocol.StateTimedOut {
			t.Errorf("final state = %s, want timed_out", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch still blocked long past the 50ms timeout")
	}

	if g.InUse() != 0 {
		t.Error("abandoned handler still holds its permit")
	}
	close(never)
}

func TestDispatchCancellation(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, 1, func(reg *handler.Registry) {
		reg.Register("stall", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := d.Dispatch(ctx, assignment("stall", `{}`))
	if res.ErrorCode != protocol.CodeCancelled {
		t.Fatalf("error code = %s, want CANCELLED", res.ErrorCode)
	}
	if got := protocol.FinalState(res); got != protocol.StateCancelled {
		t.Errorf("final state = %s, want cancelled", got)
	}
}

func TestDispatchCancelledWhileWaitingForPermit(t *testing.T) {
	t.Parallel()
	blocked := make(chan struct{})
	d := newTestDispatcher(t, 1, func(reg *handler.Registry) {
		reg.Register("block", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Dispatch(ctx, assignment("block", `{}`))
	<-blocked

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer waitCancel()
	res := d.Dispatch(waitCtx, assignment("echo", `{}`))
	if res.ErrorCode != protocol.CodeCancelled {
		t.Fatalf("error code = %s, want CANCELLED for pre-admission cancellation", res.ErrorCode)
	}
}

func TestDispatchPanicContained(t *testing.T) {
	t.Parallel()
	g := gate.New(1)
	reg := handler.NewRegistry()
	reg.Register("boom", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})
	d := New(reg, g, nil, "worker-test", time.Second, nil)

	res := d.Dispatch(context.Background(), assignment("boom", `{}`))
	if res.ErrorCode != protocol.CodeHandlerPanic {
		t.Fatalf("error code = %s, want HANDLER_PANIC", res.ErrorCode)
	}
	if g.InUse() != 0 {
		t.Error("panicking handler leaked its permit")
	}
}

func TestDispatchFaultMapping(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, 1, func(reg *handler.Registry) {
		reg.Register("fault", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, handler.Faultf("MISSING_URL", "missing 'url' in payload")
		})
	})

	res := d.Dispatch(context.Background(), assignment("fault", `{}`))
	if res.ErrorCode != "MISSING_URL" {
		t.Errorf("error code = %s, want MISSING_URL", res.ErrorCode)
	}
	if res.ErrorMessage == "" {
		t.Error("error message empty")
	}
}

func TestDispatchStubClockTimestamps(t *testing.T) {
	t.Parallel()
	clock := &stubClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := handler.NewRegistry()
	reg.Register("echo", func(_ context.Context, p json.RawMessage) (json.RawMessage, error) { return p, nil })
	d := New(reg, gate.New(1), nil, "worker-test", time.Second, clock)

	res := d.Dispatch(context.Background(), assignment("echo", `{}`))
	if !res.StartedAt.Equal(clock.t) || !res.FinishedAt.Equal(clock.t) {
		t.Errorf("timestamps not taken from clock: %+v", res)
	}
	if res.DurationMS != 0 {
		t.Errorf("duration = %d, want 0 with pinned clock", res.DurationMS)
	}
}
