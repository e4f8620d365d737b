// Package handler holds the job-type implementations and the registry the
// dispatcher resolves them from. Handlers receive the raw params document and
// return JSON output; failures that should become structured result errors
// are reported as *Fault, anything else is treated as an internal error.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Func executes one job. Implementations must honor ctx cancellation on any
// blocking work; the dispatcher enforces the assignment timeout through it.
type Func func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Fault is a handler failure with a stable machine-readable code. The code
// ends up in the result's error_code field verbatim.
type Fault struct {
	Code    string
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Faultf builds a Fault with a formatted message.
func Faultf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Registry maps job types to handler functions and owns the shutdown of
// any resources the handlers hold.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
	closers  []func()
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register installs fn under jobType, replacing any previous registration.
func (r *Registry) Register(jobType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = fn
}

// Resolve returns the handler for jobType, or false when none is registered.
func (r *Registry) Resolve(jobType string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[jobType]
	return fn, ok
}

// OnClose registers fn to run when the registry shuts down. Handlers with
// pooled resources hang their cleanup here.
func (r *Registry) OnClose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Close runs the registered shutdown hooks. Safe to call more than once;
// hooks run only on the first call.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	closers := r.closers
	r.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
}

// Types lists registered job types, sorted for stable ops output.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Options configures the built-in handler set.
type Options struct {
	// FSBaseDir roots the fs_blob handlers. Paths in params are resolved
	// under it and may not escape.
	FSBaseDir string
}

// NewDefaultRegistry returns a registry with every built-in handler wired.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	httpx := newHTTPExecutor()
	sqlx := newSQLExecutor()

	r.Register("echo", handleEcho)
	r.Register("sleep", handleSleep)
	r.Register("http", httpx.handleHTTP)
	r.Register("graphql", httpx.handleGraphQL)
	r.Register("cel", handleCEL)
	r.Register("sql", sqlx.handleSQL)
	r.Register("fs_blob_get", fsBlobGet(opts.FSBaseDir))
	r.Register("fs_blob_put", fsBlobPut(opts.FSBaseDir))
	r.Register("human_approval", handleHumanApproval)
	r.OnClose(sqlx.Close)
	return r
}
