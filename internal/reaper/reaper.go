// Package reaper closes runs that violate liveness invariants. Queued
// runs past the age limit fail with a queue timeout, running runs whose
// heartbeats went silent get a stop and then a container kill, and runs
// whose runtime left the pool are force terminated. The sweep also
// applies the retention windows for terminal runs and old events.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/runtimepool"
	"github.com/RevCBH/switchyard/internal/store"
)

// Error codes attached to runs the detector closes. Stable so callers
// and retry classification can match on them.
const (
	codeQueueTimeout    = "queue_timeout"
	codeZombie          = "zombie"
	codeRuntimeVanished = "runtime_vanished"
)

// Detector scans non-terminal runs for liveness violations on a fixed
// interval. One sweep runs at a time.
type Detector struct {
	store   store.Store
	pool    *runtimepool.Pool
	gateway gateway.RuntimeGateway
	bus     *eventbus.Bus
	cfg     *config.Config
	log     *logging.Logger
	clock   clock.WithTicker

	// sweepMu serializes sweeps; stopRequested tracks runs that already
	// got a stop so a slow zombie is not re-stopped every pass.
	sweepMu       sync.Mutex
	stopRequested map[string]time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a detector. A nil clk selects the real clock.
func New(st store.Store, pool *runtimepool.Pool, gw gateway.RuntimeGateway, bus *eventbus.Bus, cfg *config.Config, log *logging.Logger, clk clock.WithTicker) *Detector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Detector{
		store:         st,
		pool:          pool,
		gateway:       gw,
		bus:           bus,
		cfg:           cfg,
		log:           log.WithFields(zap.String("component", "reaper")),
		clock:         clk,
		stopRequested: make(map[string]time.Time),
	}
}

// Start launches the periodic sweep loop
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dead run detector already started")
	}
	d.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(loopCtx)
	d.log.Info("dead run detector started",
		zap.Int("check_seconds", d.cfg.DeadRunDetection.CheckIntervalSeconds),
		zap.Bool("auto_termination", d.cfg.DeadRunDetection.EnableAutoTermination))
	return nil
}

// Stop halts the sweep loop
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.log.Info("dead run detector stopped")
}

func (d *Detector) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(d.cfg.DeadRunCheckInterval())
	defer ticker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		d.sweep(ctx)
	}
}

// sweep runs one full liveness pass over queued and running runs, then
// applies retention.
func (d *Detector) sweep(ctx context.Context) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	now := d.clock.Now().UTC()
	d.scanQueued(ctx, now)
	d.scanRunning(ctx, now)
	d.prune(ctx, now)
}

func (d *Detector) scanQueued(ctx context.Context, now time.Time) {
	maxAge := d.cfg.MaxRunAge()
	if maxAge <= 0 {
		return
	}
	queued, err := d.store.ListRunsByState(ctx, model.RunQueued)
	if err != nil {
		d.log.Error("failed to list queued runs", zap.Error(err))
		return
	}
	for _, run := range queued {
		age := now.Sub(run.CreatedAt)
		if age <= maxAge {
			continue
		}
		d.log.Warn("queued run exceeded the age limit",
			zap.String("run_id", run.ID),
			zap.Duration("age", age))
		d.terminate(ctx, run, codeQueueTimeout,
			"queue timeout", "run was never dispatched within the age limit", now)
	}
}

func (d *Detector) scanRunning(ctx context.Context, now time.Time) {
	running, err := d.store.ListRunsByState(ctx, model.RunRunning)
	if err != nil {
		d.log.Error("failed to list running runs", zap.Error(err))
		return
	}

	stale := d.cfg.StaleRunThreshold()
	zombie := d.cfg.ZombieRunThreshold()
	liveStops := make(map[string]time.Time, len(d.stopRequested))

	for _, run := range running {
		rt := d.runtimeFor(ctx, run)
		if run.DispatchedToRuntimeID != "" && rt == nil {
			d.log.Warn("run's task runtime left the pool",
				zap.String("run_id", run.ID),
				zap.String("runtime_id", run.DispatchedToRuntimeID))
			d.terminate(ctx, run, codeRuntimeVanished,
				"runtime vanished", "task runtime is no longer in the pool", now)
			continue
		}

		silence := now.Sub(lastSeen(run))
		switch {
		case silence > zombie:
			if !d.cfg.DeadRunDetection.EnableAutoTermination {
				d.log.Warn("zombie run detected, auto termination disabled",
					zap.String("run_id", run.ID),
					zap.Duration("silence", silence))
				continue
			}
			if d.cfg.DeadRunDetection.ForceKillOnTimeout {
				d.killRuntimeContainer(ctx, run, rt)
			}
			d.terminate(ctx, run, codeZombie,
				"zombie run terminated", "no heartbeat within the zombie threshold", now)
		case silence > stale:
			if at, asked := d.stopRequested[run.ID]; asked {
				liveStops[run.ID] = at
				continue
			}
			d.log.Warn("run heartbeat is stale, requesting stop",
				zap.String("run_id", run.ID),
				zap.Duration("silence", silence))
			if err := d.gateway.StopJob(ctx, run.ID); err != nil {
				// The zombie threshold escalation covers a lost stop.
				d.log.Warn("stop request failed",
					zap.String("run_id", run.ID), zap.Error(err))
			}
			liveStops[run.ID] = now
		}
	}

	// Runs that recovered or reached a terminal state drop out, so a
	// later relapse gets a fresh stop.
	d.stopRequested = liveStops
}

// lastSeen picks the liveness reference point. Dispatch seeds the
// heartbeat, so the fallbacks only matter for rows written by older
// code paths.
func lastSeen(run *model.Run) time.Time {
	if run.LastHeartbeatAt != nil {
		return *run.LastHeartbeatAt
	}
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}

func (d *Detector) runtimeFor(ctx context.Context, run *model.Run) *model.TaskRuntime {
	if run.DispatchedToRuntimeID == "" {
		return nil
	}
	rt, err := d.store.GetTaskRuntime(ctx, run.DispatchedToRuntimeID)
	if err != nil {
		d.log.Error("failed to load task runtime",
			zap.String("runtime_id", run.DispatchedToRuntimeID), zap.Error(err))
		return nil
	}
	return rt
}

func (d *Detector) killRuntimeContainer(ctx context.Context, run *model.Run, rt *model.TaskRuntime) {
	if rt == nil || rt.ContainerID == "" {
		return
	}
	if _, err := d.gateway.KillContainer(ctx, rt.ContainerID); err != nil {
		d.log.Warn("failed to kill zombie container",
			zap.String("run_id", run.ID),
			zap.String("container_id", rt.ContainerID),
			zap.Error(err))
	}
}

// terminate finalizes a dead run as Failed, frees its lease, and
// publishes the terminal event. Runs that reached a terminal state
// through another path are left alone.
func (d *Detector) terminate(ctx context.Context, run *model.Run, errorCode, summary, errText string, now time.Time) {
	err := d.updateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyClosed
		}
		if !model.CanTransitionRun(r.State, model.RunFailed) {
			return model.NewError(model.KindPreconditionFailed, "invalid_run_transition",
				fmt.Sprintf("cannot fail run in state %s", r.State))
		}
		r.State = model.RunFailed
		r.EndedAt = &now
		r.Summary = summary
		r.Error = errText
		r.ErrorCode = errorCode
		return nil
	})
	if errors.Is(err, errAlreadyClosed) {
		return
	}
	if err != nil {
		d.log.Error("failed to finalize dead run",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if run.DispatchedToRuntimeID != "" {
		if err := d.pool.ReleaseLease(ctx, run.DispatchedToRuntimeID); err != nil {
			d.log.Warn("failed to release lease for dead run",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	metrics.DeadRuns.WithLabelValues(errorCode).Inc()
	metrics.RunsCompleted.WithLabelValues(string(model.RunFailed)).Inc()
	d.publishCompletion(ctx, run, summary, errText, errorCode)
	d.log.Warn("terminated dead run",
		zap.String("run_id", run.ID),
		zap.String("error_code", errorCode))
}

var errAlreadyClosed = errors.New("run already terminal")

func (d *Detector) publishCompletion(ctx context.Context, run *model.Run, summary, errText, errorCode string) {
	payload, err := json.Marshal(map[string]any{
		"status":    string(eventbus.HarnessFailed),
		"summary":   summary,
		"error":     errText,
		"errorCode": errorCode,
	})
	if err != nil {
		d.log.Error("failed to encode completion payload",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	event := &model.RunEvent{
		RunID:          run.ID,
		TaskID:         run.TaskID,
		ExecutionToken: run.ExecutionToken,
		Category:       model.CategoryRunCompleted,
		PayloadJSON:    string(payload),
		Timestamp:      d.clock.Now().UTC(),
	}
	if err := d.bus.Publish(ctx, event); err != nil {
		d.log.Warn("failed to publish dead run completion",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

// prune applies the retention windows. Zero or negative TTLs disable
// the corresponding sweep.
func (d *Detector) prune(ctx context.Context, now time.Time) {
	if days := d.cfg.TTLDays.Runs; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if deleted, err := d.store.DeleteTerminalRunsBefore(ctx, cutoff); err != nil {
			d.log.Warn("failed to prune terminal runs", zap.Error(err))
		} else if deleted > 0 {
			d.log.Info("pruned terminal runs", zap.Int("deleted", deleted))
		}
	}
	if days := d.cfg.TTLDays.Logs; days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		if deleted, err := d.store.DeleteEventsBefore(ctx, cutoff); err != nil {
			d.log.Warn("failed to prune old events", zap.Error(err))
		} else if deleted > 0 {
			d.log.Info("pruned old events", zap.Int("deleted", deleted))
		}
	}
}

func (d *Detector) updateRun(ctx context.Context, runID string, mutate func(*model.Run) error) error {
	return retry.Do(
		func() error {
			run, err := d.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			if run == nil {
				return retry.Unrecoverable(model.NewError(model.KindNotFound, "run_not_found",
					fmt.Sprintf("run %s not found", runID)))
			}
			if err := mutate(run); err != nil {
				return retry.Unrecoverable(err)
			}
			run.UpdatedAt = d.clock.Now().UTC()
			if err := d.store.UpdateRun(ctx, run); err != nil {
				return err
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
