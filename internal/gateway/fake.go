package gateway

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory RuntimeGateway and RuntimeProvisioner for
// tests. Dispatch outcomes are stubbed per run id and consumed in
// order; unstubbed calls succeed.
type Fake struct {
	mu            sync.Mutex
	dispatchStubs map[string][]error
	stopStubs     map[string][]error
	killStubs     map[string][]error
	provisionErr  error
	reconciled    map[string]*ReconcileResult
	reconcileErrs map[string]error
	tools         []HarnessTool

	dispatched []DispatchJobRequest
	stopped    []string
	killed     []string
	provisions []ProvisionSpec
	removed    []string

	// OnDispatch runs after a successful dispatch, outside the lock.
	// Tests use it to push runtime events back into the bus.
	OnDispatch func(req DispatchJobRequest)

	nextContainer int
}

func NewFake() *Fake {
	return &Fake{
		dispatchStubs: make(map[string][]error),
		stopStubs:     make(map[string][]error),
		killStubs:     make(map[string][]error),
		reconciled:    make(map[string]*ReconcileResult),
		reconcileErrs: make(map[string]error),
	}
}

// StubDispatch queues an error for the next DispatchJob of runID. A
// nil error queues a success.
func (f *Fake) StubDispatch(runID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchStubs[runID] = append(f.dispatchStubs[runID], err)
}

func (f *Fake) StubStop(runID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopStubs[runID] = append(f.stopStubs[runID], err)
}

func (f *Fake) StubKill(containerID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killStubs[containerID] = append(f.killStubs[containerID], err)
}

func (f *Fake) StubProvisionError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionErr = err
}

func (f *Fake) StubReconcile(runtimeID string, result *ReconcileResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled[runtimeID] = result
}

// StubReconcileError makes every ReconcileOrphanedContainers call for
// runtimeID fail with err until cleared with a nil err.
func (f *Fake) StubReconcileError(runtimeID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.reconcileErrs, runtimeID)
		return
	}
	f.reconcileErrs[runtimeID] = err
}

func (f *Fake) StubTools(tools []HarnessTool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *Fake) DispatchJob(ctx context.Context, req *DispatchJobRequest) (*DispatchResult, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, *req)
	err := f.popStub(f.dispatchStubs, req.RunID)
	hook := f.OnDispatch
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(*req)
	}
	return &DispatchResult{DispatchedAt: time.Now().UTC()}, nil
}

func (f *Fake) StopJob(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
	return f.popStub(f.stopStubs, runID)
}

func (f *Fake) KillContainer(ctx context.Context, containerID string) (*KillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, containerID)
	if err := f.popStub(f.killStubs, containerID); err != nil {
		return nil, err
	}
	return &KillResult{WasRunning: true}, nil
}

func (f *Fake) ReconcileOrphanedContainers(ctx context.Context, runtimeID string) (*ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reconcileErrs[runtimeID]; ok {
		return nil, err
	}
	if result, ok := f.reconciled[runtimeID]; ok {
		return result, nil
	}
	return &ReconcileResult{}, nil
}

func (f *Fake) GetHarnessTools(ctx context.Context, requestID string) (*HarnessToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &HarnessToolsResult{Tools: f.tools, CheckedAt: time.Now().UTC()}, nil
}

func (f *Fake) ProvisionRuntime(ctx context.Context, spec *ProvisionSpec) (*ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions = append(f.provisions, *spec)
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.nextContainer++
	return &ProvisionResult{
		ContainerID: spec.RuntimeID + "-container",
		Endpoint:    "fake://" + spec.RuntimeID,
	}, nil
}

func (f *Fake) RemoveRuntime(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

// popStub consumes the head of the stub queue for key, nil when empty
func (f *Fake) popStub(stubs map[string][]error, key string) error {
	queue := stubs[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	stubs[key] = queue[1:]
	return err
}

// Dispatched returns a copy of all dispatch requests seen so far
func (f *Fake) Dispatched() []DispatchJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DispatchJobRequest, len(f.dispatched))
	copy(out, f.dispatched)
	return out
}

func (f *Fake) DispatchCount(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, req := range f.dispatched {
		if req.RunID == runID {
			count++
		}
	}
	return count
}

func (f *Fake) Stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
}

func (f *Fake) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.killed))
	copy(out, f.killed)
	return out
}

func (f *Fake) Provisions() []ProvisionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ProvisionSpec, len(f.provisions))
	copy(out, f.provisions)
	return out
}

func (f *Fake) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}
