package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrWrongKind is returned when an envelope decodes cleanly but does not
// carry the expected kind.
var ErrWrongKind = errors.New("unexpected envelope kind")

// DecodeAssignment parses inbound bytes into an Assignment. It accepts
// either a v1 envelope of kind exec_assign or a bare assignment object
// (legacy producers), and validates required fields. Any error here is
// terminal for the message: no gate permit is consumed.
func DecodeAssignment(payload []byte) (*Assignment, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&env); err == nil && env.Kind != "" {
		if env.Version != "" && env.Version != EnvelopeVersion {
			return nil, fmt.Errorf("unsupported envelope version: %q", env.Version)
		}
		if env.Kind != KindAssign {
			return nil, fmt.Errorf("%w: %q", ErrWrongKind, env.Kind)
		}
		var a Assignment
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("decode envelope data: %w", err)
		}
		return &a, validateAssignment(&a)
	}

	// Fallback: bare assignment without envelope.
	var a Assignment
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("parse assignment: %w", err)
	}
	return &a, validateAssignment(&a)
}

func validateAssignment(a *Assignment) error {
	if a.JobID == "" {
		return fmt.Errorf("assignment missing required field: job_id")
	}
	if a.JobType == "" {
		return fmt.Errorf("assignment missing required field: job_type")
	}
	if a.TimeoutMS < 0 {
		return fmt.Errorf("assignment has negative timeout_ms: %d", a.TimeoutMS)
	}
	if len(a.Params) == 0 {
		a.Params = json.RawMessage(`{}`)
	} else if !json.Valid(a.Params) {
		return fmt.Errorf("assignment params is not valid JSON")
	}
	return nil
}

func wrap(kind EnvelopeKind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	env := Envelope{
		Version: EnvelopeVersion,
		Kind:    kind,
		Data:    data,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

func unwrap(payload []byte, kind EnvelopeKind, v any) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	if env.Version != EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version: %q", env.Version)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: %q", ErrWrongKind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

// DecodeResult parses a v1 result envelope.
func DecodeResult(payload []byte) (*Result, error) {
	var r Result
	if err := unwrap(payload, KindResult, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DecodeHeartbeat parses a v1 heartbeat envelope.
func DecodeHeartbeat(payload []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := unwrap(payload, KindHeartbeat, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// EncodeResult wraps a Result in a v1 envelope.
func EncodeResult(r *Result) ([]byte, error) {
	return wrap(KindResult, r)
}

// EncodeHeartbeat wraps a Heartbeat in a v1 envelope.
func EncodeHeartbeat(h *Heartbeat) ([]byte, error) {
	return wrap(KindHeartbeat, h)
}

// EncodeDeadLetter wraps a DeadLetterEntry in a v1 envelope.
func EncodeDeadLetter(e *DeadLetterEntry) ([]byte, error) {
	return wrap(KindDeadLetter, e)
}

// EncodeAssignment wraps an Assignment in a v1 envelope. Used by tests and
// replay tooling; the worker itself only consumes assignments.
func EncodeAssignment(a *Assignment) ([]byte, error) {
	return wrap(KindAssign, a)
}
