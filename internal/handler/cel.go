package handler

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

func nowMillis() int64 { return time.Now().UnixMilli() }

// handleCEL evaluates a CEL expression over the supplied data document. The
// parsed document is exposed as `data`; `now_ms` carries the wall clock for
// windowed expressions.
func handleCEL(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Expression string          `json:"expression"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, Faultf("INVALID_PARAMS", "decoding cel params: %v", err)
	}
	if p.Expression == "" {
		return nil, Faultf("MISSING_EXPRESSION", "missing 'expression' in payload")
	}

	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, Faultf("CEL_COMPILE_ERROR", "%v", err)
	}

	ast, iss := env.Compile(p.Expression)
	if iss != nil && iss.Err() != nil {
		return nil, Faultf("CEL_COMPILE_ERROR", "%v", iss.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, Faultf("CEL_COMPILE_ERROR", "%v", err)
	}

	var data any
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &data); err != nil {
			return nil, Faultf("INVALID_PARAMS", "decoding 'data': %v", err)
		}
	}

	out, _, err := prog.ContextEval(ctx, map[string]any{
		"data":   data,
		"now_ms": nowMillis(),
	})
	if err != nil {
		return nil, Faultf("CEL_RUNTIME_ERROR", "%v", err)
	}

	native, err := out.ConvertToNative(anyType)
	if err != nil {
		return nil, Faultf("CEL_RUNTIME_ERROR", "converting result: %v", err)
	}
	result, err := json.Marshal(map[string]any{"result": native})
	if err != nil {
		return nil, Faultf("CEL_RUNTIME_ERROR", "encoding result: %v", err)
	}
	return result, nil
}
