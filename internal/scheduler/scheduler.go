// Package scheduler advances queued runs to running. It owns admission
// against the concurrency limits, the dispatch protocol, run
// completion, retries, and cancellation. One admission pass runs at a
// time; counters are snapshotted from the store when the pass starts
// and adjusted in memory as runs admit, so the limits hold even when
// several runs admit in the same tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

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

const (
	// cancelGraceWindow is how long a graceful stop may run before the
	// scheduler escalates to a container kill.
	cancelGraceWindow = 60 * time.Second

	// dispatchTimeout bounds one gateway dispatch call
	dispatchTimeout = 30 * time.Second
)

// Scheduler admits, dispatches, finalizes, and cancels runs. Safe for
// concurrent use.
type Scheduler struct {
	store   store.Store
	pool    *runtimepool.Pool
	gateway gateway.RuntimeGateway
	bus     *eventbus.Bus
	cfg     *config.Config
	log     *logging.Logger
	clock   clock.WithTicker

	// wake coalesces out-of-band tick requests from CreateRun and
	// completion handling.
	wake chan struct{}

	// tickMu is the admission critical section. Counters snapshotted
	// under it stay coherent for the whole pass.
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     *eventbus.Subscription
}

// New builds a scheduler. A nil clk selects the real clock.
func New(st store.Store, pool *runtimepool.Pool, gw gateway.RuntimeGateway, bus *eventbus.Bus, cfg *config.Config, log *logging.Logger, clk clock.WithTicker) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		store:   st,
		pool:    pool,
		gateway: gw,
		bus:     bus,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "scheduler")),
		clock:   clk,
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the tick loop and the completion consumer
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sub = s.bus.Subscribe()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.tickLoop(loopCtx)
	go s.completionLoop(loopCtx)
	s.log.Info("scheduler started",
		zap.Int("tick_seconds", s.cfg.SchedulerIntervalSeconds),
		zap.Int("max_global_runs", s.cfg.MaxGlobalConcurrentRuns))
	return nil
}

// Stop halts the loops and drops the bus subscription
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	sub := s.sub
	s.mu.Unlock()

	cancel()
	s.bus.Unsubscribe(sub)
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Wake requests an admission pass ahead of the next tick. Non-blocking;
// concurrent wakes collapse into one pass.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.SchedulerInterval())
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-s.wake:
		}
		s.tick(ctx)
	}
}

// tick runs one full scheduling pass: cancellation grace enforcement,
// then admission over the ranked queue.
func (s *Scheduler) tick(ctx context.Context) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.Observe(time.Since(started).Seconds())
	}()

	now := s.clock.Now().UTC()
	s.enforceCancelGrace(ctx, now)

	queued, err := s.store.ListRunsByState(ctx, model.RunQueued)
	if err != nil {
		s.log.Error("failed to list queued runs", zap.Error(err))
		return
	}
	metrics.QueueDepth.Set(float64(len(queued)))
	if len(queued) == 0 {
		return
	}

	running, err := s.store.ListRunsByState(ctx, model.RunRunning)
	if err != nil {
		s.log.Error("failed to list running runs", zap.Error(err))
		return
	}

	lookup := newTickLookup(s.store)
	counters := s.snapshotCounters(ctx, lookup, running)

	for _, run := range rankQueued(dispatchable(queued, now)) {
		s.admitOne(ctx, lookup, counters, run, now)
	}
}

// dispatchable drops candidates whose retry backoff has not elapsed
func dispatchable(queued []*model.Run, now time.Time) []*model.Run {
	eligible := make([]*model.Run, 0, len(queued))
	for _, run := range queued {
		if run.NotBefore != nil && run.NotBefore.After(now) {
			continue
		}
		eligible = append(eligible, run)
	}
	return eligible
}

// tickLookup memoizes task and repository reads for one pass
type tickLookup struct {
	store store.Store
	tasks map[string]*model.Task
	repos map[string]*model.Repository
}

func newTickLookup(st store.Store) *tickLookup {
	return &tickLookup{
		store: st,
		tasks: make(map[string]*model.Task),
		repos: make(map[string]*model.Repository),
	}
}

func (l *tickLookup) taskFor(ctx context.Context, id string) *model.Task {
	if task, ok := l.tasks[id]; ok {
		return task
	}
	task, err := l.store.GetTask(ctx, id)
	if err != nil {
		return nil
	}
	l.tasks[id] = task
	return task
}

func (l *tickLookup) repoFor(ctx context.Context, id string) *model.Repository {
	if repo, ok := l.repos[id]; ok {
		return repo
	}
	repo, err := l.store.GetRepository(ctx, id)
	if err != nil {
		return nil
	}
	l.repos[id] = repo
	return repo
}

// admissionCounters tracks running-state occupancy per scope within one
// pass. Only Running runs count against the limits.
type admissionCounters struct {
	global    int
	byRepo    map[string]int
	byProject map[string]int
	byTask    map[string]int
	byKey     map[string]int
}

func (s *Scheduler) snapshotCounters(ctx context.Context, lookup *tickLookup, running []*model.Run) *admissionCounters {
	c := &admissionCounters{
		byRepo:    make(map[string]int),
		byProject: make(map[string]int),
		byTask:    make(map[string]int),
		byKey:     make(map[string]int),
	}
	for _, run := range running {
		c.global++
		c.byRepo[run.RepositoryID]++
		c.byTask[run.TaskID]++
		if run.ConcurrencyKey != "" {
			c.byKey[run.ConcurrencyKey]++
		}
		if repo := lookup.repoFor(ctx, run.RepositoryID); repo != nil && repo.ProjectID != "" {
			c.byProject[repo.ProjectID]++
		}
	}
	return c
}

func (c *admissionCounters) noteAdmitted(run *model.Run, projectID string) {
	c.global++
	c.byRepo[run.RepositoryID]++
	c.byTask[run.TaskID]++
	if run.ConcurrencyKey != "" {
		c.byKey[run.ConcurrencyKey]++
	}
	if projectID != "" {
		c.byProject[projectID]++
	}
}

// admitOne evaluates the admission rules in order and dispatches when
// all pass. A failed rule defers the run to a later tick.
func (s *Scheduler) admitOne(ctx context.Context, lookup *tickLookup, counters *admissionCounters, run *model.Run, now time.Time) {
	task := lookup.taskFor(ctx, run.TaskID)
	repo := lookup.repoFor(ctx, run.RepositoryID)

	if reason := s.checkAdmission(run, task, repo, counters); reason != "" {
		metrics.SchedulerDecisions.WithLabelValues("defer", reason).Inc()
		s.log.Debug("deferring run",
			zap.String("run_id", run.ID),
			zap.String("reason", reason))
		return
	}

	lease, err := s.pool.AcquireTaskRuntimeForDispatch(ctx, run.RepositoryID)
	if err != nil {
		metrics.SchedulerDecisions.WithLabelValues("defer", "lease_error").Inc()
		s.log.Warn("lease acquisition failed",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	if lease == nil {
		metrics.SchedulerDecisions.WithLabelValues("defer", "no_capacity").Inc()
		s.log.Debug("no runtime capacity, deferring run", zap.String("run_id", run.ID))
		return
	}

	if !s.dispatchRun(ctx, run, task, repo, lease, now) {
		return
	}
	metrics.SchedulerDecisions.WithLabelValues("admit", "dispatched").Inc()
	counters.noteAdmitted(run, projectOf(repo))
}

// checkAdmission applies the limit rules in order. Returns the defer
// reason, or empty when the run may dispatch. Capacity is the last
// rule and is checked by the caller through the lease.
func (s *Scheduler) checkAdmission(run *model.Run, task *model.Task, repo *model.Repository, c *admissionCounters) string {
	if c.global >= s.cfg.MaxGlobalConcurrentRuns {
		return "global_limit"
	}
	if c.byRepo[run.RepositoryID] >= s.cfg.PerRepoConcurrencyLimit {
		return "repo_limit"
	}
	if repo != nil && repo.ProjectID != "" &&
		c.byProject[repo.ProjectID] >= s.cfg.PerProjectConcurrencyLimit {
		return "project_limit"
	}
	if task != nil && task.ConcurrencyLimit != nil && c.byTask[run.TaskID] >= *task.ConcurrencyLimit {
		return "task_limit"
	}
	if run.ConcurrencyKey != "" && c.byKey[run.ConcurrencyKey] > 0 {
		return "concurrency_key_held"
	}
	if task == nil {
		return "task_missing"
	}
	if !task.Enabled {
		return "task_disabled"
	}
	if repo == nil {
		return "repository_missing"
	}
	return ""
}

func projectOf(repo *model.Repository) string {
	if repo == nil {
		return ""
	}
	return repo.ProjectID
}
