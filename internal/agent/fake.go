package agent

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Adapter for tests: it plays back a scripted sequence
// of results per prompt_ref, or falls back to Default when the script is
// exhausted. Grounded on spec §9's requirement for an interface seam at C4
// so tests inject fakes without patching.
type Fake struct {
	mu       sync.Mutex
	scripts  map[string][]Result
	calls    []ExecRequest
	Default  Result
}

// NewFake returns a Fake that returns Result{Status: StatusOK} by default.
func NewFake() *Fake {
	return &Fake{
		scripts: make(map[string][]Result),
		Default: Result{Status: StatusOK, PromptVersion: "fake-v1"},
	}
}

// Script queues results to return for successive Execute calls whose
// PromptRef == promptRef, consumed in order.
func (f *Fake) Script(promptRef string, results ...Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[promptRef] = append(f.scripts[promptRef], results...)
}

// Calls returns every ExecRequest received so far, in order.
func (f *Fake) Calls() []ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecRequest(nil), f.calls...)
}

func (f *Fake) Execute(ctx context.Context, req ExecRequest) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{Status: StatusTransientError, Error: &ResultError{Class: "cancelled", Message: ctx.Err().Error()}}, nil
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	queue := f.scripts[req.PromptRef]
	if len(queue) == 0 {
		return f.Default, nil
	}
	next := queue[0]
	f.scripts[req.PromptRef] = queue[1:]
	if next.PromptVersion == "" {
		next.PromptVersion = req.PromptRef
	}
	return next, nil
}

var _ Adapter = (*Fake)(nil)

// ErrNoSuchBackend is returned by a backend registry lookup for an unknown
// engine_id (spec §4.8: "implemented once per engine").
var ErrNoSuchBackend = fmt.Errorf("agent: no adapter registered for engine")

// Registry resolves an engine_id to the Adapter implementation that should
// run it, so internal/executor never branches on engine identity itself
// (spec §9: "fold per-engine conditionals into the single AgentAdapter
// boundary").
type Registry struct {
	backends map[string]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Adapter)}
}

// Register binds engineID to adapter.
func (r *Registry) Register(engineID string, adapter Adapter) {
	r.backends[engineID] = adapter
}

// Resolve returns the Adapter registered for engineID.
func (r *Registry) Resolve(engineID string) (Adapter, error) {
	a, ok := r.backends[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchBackend, engineID)
	}
	return a, nil
}
