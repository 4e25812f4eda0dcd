package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/RevCBH/switchyard/internal/model"
)

const loopbackSchemaVersion = "agentsdashboard.harness-runtime-event.v1"

// Loopback simulates a fleet of task runtimes in-process. serve uses
// it in dev mode so the whole control plane runs without a container
// driver: provisioned runtimes heartbeat on a timer, dispatched runs
// stream a few harness frames and then complete.
type Loopback struct {
	mu        sync.Mutex
	runtimes  map[string]*loopbackRuntime
	runs      map[string]*loopbackRun
	heartbeat HeartbeatHandler
	events    EventFrameHandler
	interval  time.Duration
	runLength time.Duration
	limiter   *rate.Limiter
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type loopbackRuntime struct {
	id          string
	containerID string
	hostName    string
	maxSlots    int
	cancel      context.CancelFunc
}

type loopbackRun struct {
	runID       string
	runtimeID   string
	taskID      string
	token       string
	containerID string
	cancel      context.CancelFunc
}

// NewLoopback builds a loopback gateway. Handlers may be nil until
// SetHandlers is called; heartbeats and events are dropped until then.
func NewLoopback(heartbeatInterval, runDuration time.Duration) *Loopback {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loopback{
		runtimes:  make(map[string]*loopbackRuntime),
		runs:      make(map[string]*loopbackRun),
		interval:  heartbeatInterval,
		runLength: runDuration,
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHandlers wires the inbound paths. Called once during serve wiring
// before the pool starts provisioning.
func (l *Loopback) SetHandlers(hb HeartbeatHandler, ev EventFrameHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeat = hb
	l.events = ev
}

// Close stops every simulated runtime and waits for their goroutines.
func (l *Loopback) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Loopback) ProvisionRuntime(ctx context.Context, spec *ProvisionSpec) (*ProvisionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rtCtx, rtCancel := context.WithCancel(l.ctx)
	short := spec.RuntimeID
	if len(short) > 8 {
		short = short[:8]
	}
	rt := &loopbackRuntime{
		id:          spec.RuntimeID,
		containerID: "loopback-" + spec.RuntimeID,
		hostName:    "loopback-" + short,
		maxSlots:    spec.MaxSlots,
		cancel:      rtCancel,
	}
	l.runtimes[spec.RuntimeID] = rt
	l.wg.Add(1)
	go l.heartbeatLoop(rtCtx, rt)
	return &ProvisionResult{ContainerID: rt.containerID, Endpoint: "loopback://" + spec.RuntimeID}, nil
}

func (l *Loopback) RemoveRuntime(ctx context.Context, containerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, rt := range l.runtimes {
		if rt.containerID == containerID {
			rt.cancel()
			delete(l.runtimes, id)
			return nil
		}
	}
	return nil
}

func (l *Loopback) DispatchJob(ctx context.Context, req *DispatchJobRequest) (*DispatchResult, error) {
	if !l.limiter.Allow() {
		return nil, model.NewError(model.KindRateLimited, "dispatch_throttled", "loopback dispatch rate exceeded")
	}
	l.mu.Lock()
	rt, ok := l.runtimes[req.RuntimeID]
	if !ok {
		l.mu.Unlock()
		return nil, model.NewError(model.KindNotFound, "runtime_not_found", fmt.Sprintf("no loopback runtime %s", req.RuntimeID))
	}
	runCtx, runCancel := context.WithCancel(l.ctx)
	run := &loopbackRun{
		runID:       req.RunID,
		runtimeID:   rt.id,
		taskID:      req.TaskID,
		token:       req.ExecutionToken,
		containerID: rt.containerID,
		cancel:      runCancel,
	}
	l.runs[req.RunID] = run
	l.wg.Add(1)
	l.mu.Unlock()
	go l.runLoop(runCtx, run)
	return &DispatchResult{DispatchedAt: time.Now().UTC()}, nil
}

func (l *Loopback) StopJob(ctx context.Context, runID string) error {
	l.mu.Lock()
	run, ok := l.runs[runID]
	l.mu.Unlock()
	if !ok {
		return model.NewError(model.KindNotFound, "run_not_found", fmt.Sprintf("no loopback run %s", runID))
	}
	run.cancel()
	return nil
}

func (l *Loopback) KillContainer(ctx context.Context, containerID string) (*KillResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wasRunning := false
	for id, run := range l.runs {
		if run.containerID == containerID {
			run.cancel()
			delete(l.runs, id)
			wasRunning = true
		}
	}
	return &KillResult{WasRunning: wasRunning}, nil
}

func (l *Loopback) ReconcileOrphanedContainers(ctx context.Context, runtimeID string) (*ReconcileResult, error) {
	return &ReconcileResult{}, nil
}

func (l *Loopback) GetHarnessTools(ctx context.Context, requestID string) (*HarnessToolsResult, error) {
	return &HarnessToolsResult{
		Tools: []HarnessTool{
			{Command: "claude", DisplayName: "Claude Code", Status: "available", Version: "loopback"},
			{Command: "codex", DisplayName: "Codex CLI", Status: "available", Version: "loopback"},
		},
		CheckedAt: time.Now().UTC(),
	}, nil
}

func (l *Loopback) heartbeatLoop(ctx context.Context, rt *loopbackRuntime) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendHeartbeat(ctx, rt)
		}
	}
}

func (l *Loopback) sendHeartbeat(ctx context.Context, rt *loopbackRuntime) {
	l.mu.Lock()
	hb := l.heartbeat
	var active []string
	for id, run := range l.runs {
		if run.runtimeID == rt.id {
			active = append(active, id)
		}
	}
	l.mu.Unlock()
	if hb == nil {
		return
	}
	_ = hb(ctx, &Heartbeat{
		RuntimeID:     rt.id,
		HostName:      rt.hostName,
		ActiveSlots:   len(active),
		MaxSlots:      rt.maxSlots,
		CPUPercent:    5.0 + float64(len(active))*20.0,
		MemoryPercent: 10.0 + float64(len(active))*15.0,
		ActiveRunIDs:  active,
		Timestamp:     time.Now().UTC(),
	})
}

// runLoop plays a short scripted session: a couple of assistant deltas
// and a terminal envelope. Cancellation turns the envelope into
// status=cancelled, mirroring a harness that honors stop requests.
func (l *Loopback) runLoop(ctx context.Context, run *loopbackRun) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.runs, run.runID)
		l.mu.Unlock()
	}()

	seq := int64(0)
	status := "succeeded"
	steps := []string{"Reading the task instruction.", "Applying the change and running checks."}
	stepGap := l.runLength / time.Duration(len(steps)+1)
	for _, text := range steps {
		select {
		case <-ctx.Done():
			status = "cancelled"
		case <-time.After(stepGap):
			seq++
			l.emit(run, seq, "assistant.delta", fmt.Sprintf(`{"text":%q}`, text))
		}
		if status == "cancelled" {
			break
		}
	}

	seq++
	envelope, _ := json.Marshal(map[string]any{
		"status":  status,
		"summary": "loopback run finished",
		"metrics": map[string]any{"turns": len(steps)},
	})
	l.emit(run, seq, "run.completed", string(envelope))
}

func (l *Loopback) emit(run *loopbackRun, seq int64, category, payload string) {
	l.mu.Lock()
	ev := l.events
	l.mu.Unlock()
	if ev == nil {
		return
	}
	_ = ev(context.Background(), &RuntimeEventFrame{
		RunID:          run.runID,
		TaskID:         run.taskID,
		ExecutionToken: run.token,
		Sequence:       seq,
		Category:       category,
		SchemaVersion:  loopbackSchemaVersion,
		PayloadJSON:    payload,
		Timestamp:      time.Now().UTC(),
	})
}
