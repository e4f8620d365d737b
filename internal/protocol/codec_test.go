package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeAssignmentEnveloped(t *testing.T) {
	t.Parallel()

	a := &Assignment{
		JobID:    "j1",
		JobType:  "echo",
		Params:   json.RawMessage(`{"msg":"hi"}`),
		IssuedAt: time.Now().UTC(),
	}
	payload, err := EncodeAssignment(a)
	if err != nil {
		t.Fatalf("EncodeAssignment: %v", err)
	}

	got, err := DecodeAssignment(payload)
	if err != nil {
		t.Fatalf("DecodeAssignment: %v", err)
	}
	if got.JobID != "j1" || got.JobType != "echo" {
		t.Fatalf("unexpected assignment: %#v", got)
	}
}

func TestDecodeAssignmentBare(t *testing.T) {
	t.Parallel()

	got, err := DecodeAssignment([]byte(`{"job_id":"j2","job_type":"sleep","params":{"ms":5}}`))
	if err != nil {
		t.Fatalf("DecodeAssignment: %v", err)
	}
	if got.JobID != "j2" || got.JobType != "sleep" {
		t.Fatalf("unexpected assignment: %#v", got)
	}
}

func TestDecodeAssignmentValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{{{`},
		{name: "missing job_id", payload: `{"job_type":"echo"}`},
		{name: "missing job_type", payload: `{"job_id":"j1"}`},
		{name: "negative timeout", payload: `{"job_id":"j1","job_type":"echo","timeout_ms":-5}`},
		{name: "wrong kind", payload: `{"version":"v1","kind":"heartbeat","data":{}}`},
		{name: "wrong version", payload: `{"version":"v9","kind":"exec_assign","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAssignment([]byte(tt.payload)); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestDecodeAssignmentDefaultsParams(t *testing.T) {
	t.Parallel()

	got, err := DecodeAssignment([]byte(`{"job_id":"j3","job_type":"echo"}`))
	if err != nil {
		t.Fatalf("DecodeAssignment: %v", err)
	}
	if string(got.Params) != `{}` {
		t.Fatalf("expected empty object params, got %s", got.Params)
	}
}

func TestAssignmentTimeout(t *testing.T) {
	t.Parallel()

	a := &Assignment{TimeoutMS: 250}
	if got := a.Timeout(time.Minute); got != 250*time.Millisecond {
		t.Fatalf("override timeout = %v", got)
	}
	a.TimeoutMS = 0
	if got := a.Timeout(time.Minute); got != time.Minute {
		t.Fatalf("fallback timeout = %v", got)
	}
}

func TestEncodeResultRoundTrip(t *testing.T) {
	t.Parallel()

	r := &Result{
		JobID:    "j1",
		Status:   StatusSuccess,
		JobType:  "echo",
		WorkerID: "worker-test",
	}
	b, err := EncodeResult(r)
	if err != nil {
		t.Fatalf("EncodeResult: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Kind != KindResult || env.Version != EnvelopeVersion {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	var got Result
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got.JobID != "j1" || got.Status != StatusSuccess {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestFinalState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    Result
		want State
	}{
		{name: "success", r: Result{Status: StatusSuccess}, want: StateCompleted},
		{name: "failure", r: Result{Status: StatusFailure, ErrorCode: "BOOM"}, want: StateFailed},
		{name: "timeout", r: Result{Status: StatusFailure, ErrorCode: CodeTimeout}, want: StateTimedOut},
		{name: "cancelled", r: Result{Status: StatusFailure, ErrorCode: CodeCancelled}, want: StateCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FinalState(&tt.r)
			if got != tt.want {
				t.Fatalf("FinalState = %v, want %v", got, tt.want)
			}
			if !got.Terminal() {
				t.Fatalf("state %v should be terminal", got)
			}
		})
	}
}
