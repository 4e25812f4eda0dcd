// Package runtimepool manages the fleet of task runtimes: lease
// allocation, heartbeat health, scale-out and scale-in, and container
// reconciliation. All runtime rows live in the store; the pool is the
// only writer of lifecycle state and slot counts.
package runtimepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RevCBH/switchyard/internal/background"
	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

// reconcileInterval paces the periodic orphan sweep
const reconcileInterval = 60 * time.Second

// Pool owns task runtime lifecycle. Safe for concurrent use; slot
// accounting goes through versioned store writes so concurrent loops
// never double-allocate.
type Pool struct {
	store       store.Store
	gateway     gateway.RuntimeGateway
	provisioner gateway.RuntimeProvisioner
	work        *background.Coordinator
	cfg         *config.Config
	log         *logging.Logger
	clock       clock.WithTicker

	// samples holds pressure readings; entries expire after the
	// configured sample window so means are always window-scoped.
	samples *cache.Cache

	scaleMu        sync.Mutex
	lastScaleOut   time.Time
	scaleOutPaused bool

	// reportedRuns holds each runtime's last activeRunIds claim,
	// consumed by orphan reconciliation.
	runsMu       sync.Mutex
	reportedRuns map[string][]string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a pool. The provisioner may equal the gateway when one
// implementation serves both (the loopback does).
func New(st store.Store, gw gateway.RuntimeGateway, prov gateway.RuntimeProvisioner, work *background.Coordinator, cfg *config.Config, log *logging.Logger, clk clock.WithTicker) *Pool {
	if clk == nil {
		clk = clock.RealClock{}
	}
	window := cfg.PressureSampleWindow()
	return &Pool{
		store:        st,
		gateway:      gw,
		provisioner:  prov,
		work:         work,
		cfg:          cfg,
		log:          log.WithFields(zap.String("component", "runtimepool")),
		clock:        clk,
		samples:      cache.New(window, window),
		reportedRuns: make(map[string][]string),
	}
}

// Start launches the health scanner and reconcile loops and brings the
// pool up to its configured minimum size.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("runtime pool already started")
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.ensureMinimum(loopCtx); err != nil {
		p.log.Warn("failed to reach minimum pool size", zap.Error(err))
	}

	p.wg.Add(2)
	go p.scanLoop(loopCtx)
	go p.reconcileLoop(loopCtx)
	p.log.Info("runtime pool started",
		zap.Int("max_runtimes", p.cfg.TaskRuntimes.MaxTaskRuntimes),
		zap.Int("min_runtimes", p.cfg.TaskRuntimes.MinTaskRuntimes))
	return nil
}

// Stop halts the loops. Runtime containers keep running; orphan
// reconciliation picks them back up on the next start.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("runtime pool stopped")
}

// SetScaleOutPaused toggles the operator switch that blocks demand and
// pressure scale-out. Scale-in keeps working.
func (p *Pool) SetScaleOutPaused(paused bool) {
	p.scaleMu.Lock()
	p.scaleOutPaused = paused
	p.scaleMu.Unlock()
	p.log.Info("scale-out pause toggled", zap.Bool("paused", paused))
}

func (p *Pool) scanLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := p.scanOnce(ctx); err != nil {
				p.log.Warn("pool scan failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) reconcileLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.ReconcileOrphans(ctx)
		}
	}
}

// scanOnce runs one health pass: startup timeouts, heartbeat
// freshness, quarantine, idle scale-in, draining progress, pressure
// evaluation, and gauge refresh.
func (p *Pool) scanOnce(ctx context.Context) error {
	now := p.clock.Now().UTC()
	runtimes, err := p.store.ListTaskRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runtimes: %w", err)
	}

	p.refreshGauges(runtimes)
	activeCount := countActive(runtimes)

	for _, rt := range runtimes {
		switch rt.LifecycleState {
		case model.RuntimeProvisioning, model.RuntimeStarting:
			if now.Sub(rt.StateChangedAt) > p.cfg.StartupTimeout() {
				p.failStartup(ctx, rt, now)
			}
		case model.RuntimeReady, model.RuntimeBusy:
			if p.checkHeartbeatHealth(ctx, rt, now) {
				continue
			}
			if rt.LifecycleState == model.RuntimeReady && rt.IdleSince != nil &&
				now.Sub(*rt.IdleSince) > p.cfg.IdleTimeout() &&
				activeCount > p.cfg.TaskRuntimes.MinTaskRuntimes {
				p.log.Info("draining idle runtime", zap.String("runtime_id", rt.ID))
				if p.transition(ctx, rt.ID, model.RuntimeDraining) == nil {
					activeCount--
				}
			}
		case model.RuntimeDraining:
			if rt.ActiveSlots == 0 {
				p.beginStopping(ctx, rt.ID)
			}
		case model.RuntimeFailedStart:
			p.beginStopping(ctx, rt.ID)
		case model.RuntimeStopping:
			// Removal work dedupes on the runtime id, so re-enqueueing
			// a stuck removal is safe.
			if now.Sub(rt.StateChangedAt) > p.cfg.StartupTimeout() {
				p.enqueueRemoval(rt.ID, rt.ContainerID)
			}
		}
	}

	if activeCount < p.cfg.TaskRuntimes.MinTaskRuntimes {
		if err := p.ensureMinimum(ctx); err != nil {
			p.log.Warn("failed to replenish pool minimum", zap.Error(err))
		}
	}

	p.evaluatePressure(ctx)
	return nil
}

// countActive counts runtimes that hold or could hold capacity.
// Stopped rows are deleted, so everything not shutting down counts.
func countActive(runtimes []*model.TaskRuntime) int {
	count := 0
	for _, rt := range runtimes {
		switch rt.LifecycleState {
		case model.RuntimeProvisioning, model.RuntimeStarting, model.RuntimeReady, model.RuntimeBusy:
			count++
		}
	}
	return count
}

var gaugeStates = []model.RuntimeState{
	model.RuntimeProvisioning, model.RuntimeStarting, model.RuntimeReady,
	model.RuntimeBusy, model.RuntimeDraining, model.RuntimeStopping,
	model.RuntimeFailedStart, model.RuntimeQuarantined,
}

func (p *Pool) refreshGauges(runtimes []*model.TaskRuntime) {
	counts := make(map[model.RuntimeState]int, len(gaugeStates))
	leases := 0
	for _, rt := range runtimes {
		counts[rt.LifecycleState]++
		leases += rt.ActiveSlots
	}
	for _, state := range gaugeStates {
		metrics.RuntimesByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	metrics.RuntimeLeases.Set(float64(leases))
}

// transition applies a lifecycle transition through a versioned
// read-modify-write. Invalid transitions are rejected.
func (p *Pool) transition(ctx context.Context, runtimeID string, to model.RuntimeState) error {
	return p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		if !model.CanTransitionRuntime(rt.LifecycleState, to) {
			return model.NewError(model.KindPreconditionFailed, "invalid_runtime_transition",
				fmt.Sprintf("cannot transition runtime from %s to %s", rt.LifecycleState, to))
		}
		rt.SetState(to, p.clock.Now().UTC())
		return nil
	})
}

// updateRuntime retries the read-modify-write on version conflicts.
// The mutate func sees a fresh row each attempt.
func (p *Pool) updateRuntime(ctx context.Context, runtimeID string, mutate func(*model.TaskRuntime) error) error {
	return retry.Do(
		func() error {
			rt, err := p.store.GetTaskRuntime(ctx, runtimeID)
			if err != nil {
				return err
			}
			if rt == nil {
				return retry.Unrecoverable(model.NewError(model.KindNotFound, "runtime_not_found",
					fmt.Sprintf("task runtime %s not found", runtimeID)))
			}
			if err := mutate(rt); err != nil {
				return retry.Unrecoverable(err)
			}
			rt.UpdatedAt = p.clock.Now().UTC()
			if err := p.store.UpdateTaskRuntime(ctx, rt); err != nil {
				return err
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
