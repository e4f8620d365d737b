package handler

import (
	"context"
	"encoding/json"
	"time"
)

// handleEcho reflects the params document back as the output.
func handleEcho(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return params, nil
}

// handleSleep blocks for params.ms milliseconds (default 100) or until the
// context ends, whichever comes first.
func handleSleep(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		MS int64 `json:"ms"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Faultf("INVALID_PARAMS", "decoding sleep params: %v", err)
	}
	if p.MS <= 0 {
		p.MS = 100
	}

	timer := time.NewTimer(time.Duration(p.MS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return json.RawMessage(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleHumanApproval records an approval decision. There is no interactive
// channel on a headless worker, so the decision comes from the payload: an
// auto_approve flag set by the orchestrator that issued the assignment.
func handleHumanApproval(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Prompt      string `json:"prompt"`
		AutoApprove bool   `json:"auto_approve"`
		DelayMS     int64  `json:"delay_ms"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Faultf("INVALID_PARAMS", "decoding human_approval params: %v", err)
	}
	if p.Prompt == "" {
		return nil, Faultf("MISSING_PROMPT", "missing 'prompt' in payload")
	}

	if p.DelayMS > 0 {
		timer := time.NewTimer(time.Duration(p.DelayMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := map[string]any{
		"prompt":     p.Prompt,
		"approved":   p.AutoApprove,
		"decided_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return data, nil
}
