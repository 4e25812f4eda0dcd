// Package background runs ancillary async jobs with dedupe, progress
// reporting, and bounded parallelism. Scale-out, image resolution, and
// recovery work goes through here so it never blocks a scheduling tick.
package background

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/RevCBH/switchyard/internal/ids"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
)

const (
	// DefaultExecutors is the fixed size of the executor pool
	DefaultExecutors = 4

	// DefaultMaxRetained bounds terminal snapshots kept for TryGet
	DefaultMaxRetained = 256
)

// WorkFunc is the body of a background work item. It must honor ctx
// and may report progress through the reporter at any granularity.
type WorkFunc func(ctx context.Context, progress *Reporter) error

// UpdateHandler receives a snapshot copy on every transition
type UpdateHandler func(snapshot model.BackgroundWorkSnapshot)

// EnqueueOptions tune one enqueue. The zero value dedupes by
// operation key and marks the work non-critical.
type EnqueueOptions struct {
	DisableDedupe bool
	IsCritical    bool
}

type workItem struct {
	snapshot model.BackgroundWorkSnapshot
	fn       WorkFunc
	cancel   context.CancelFunc
}

// Coordinator owns the executor pool and the work index.
type Coordinator struct {
	log         *logging.Logger
	executors   int
	maxRetained int
	clock       clock.Clock

	mu       sync.Mutex
	queue    []*workItem
	items    map[string]*workItem // active work by id
	byKey    map[string]string    // active operation key -> work id
	retained map[string]*model.BackgroundWorkSnapshot

	handlers    map[int]UpdateHandler
	nextHandler int

	wake    chan struct{}
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCoordinator builds a coordinator with the given executor count
// and retained-snapshot bound; zero values take the defaults.
func NewCoordinator(log *logging.Logger, executors, maxRetained int, clk clock.Clock) *Coordinator {
	if executors <= 0 {
		executors = DefaultExecutors
	}
	if maxRetained <= 0 {
		maxRetained = DefaultMaxRetained
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Coordinator{
		log:         log.WithFields(zap.String("component", "background")),
		executors:   executors,
		maxRetained: maxRetained,
		clock:       clk,
		items:       make(map[string]*workItem),
		byKey:       make(map[string]string),
		retained:    make(map[string]*model.BackgroundWorkSnapshot),
		handlers:    make(map[int]UpdateHandler),
		wake:        make(chan struct{}, executors),
	}
}

// Start launches the executor pool
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("background coordinator already started")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.executors; i++ {
		c.wg.Add(1)
		go c.executor()
	}
	c.log.Info("background coordinator started", zap.Int("executors", c.executors))
	return nil
}

// Stop cancels running work, waits for executors to drain, and marks
// everything still pending as cancelled.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	var drained []model.BackgroundWorkSnapshot
	for _, item := range c.items {
		if item.snapshot.State.IsTerminal() {
			continue
		}
		item.snapshot.State = model.WorkCancelled
		item.snapshot.UpdatedAt = c.clock.Now().UTC()
		c.releaseKeyLocked(item)
		delete(c.items, item.snapshot.WorkID)
		c.retainLocked(item.snapshot)
		drained = append(drained, item.snapshot)
	}
	c.queue = nil
	c.mu.Unlock()

	for _, snap := range drained {
		c.notify(snap)
	}
	c.log.Info("background coordinator stopped")
}

// Enqueue adds a work item and returns its id. With dedupe on (the
// default), an active item with the same operation key wins and its id
// is returned instead of queueing a duplicate.
func (c *Coordinator) Enqueue(kind model.WorkKind, operationKey string, fn WorkFunc, opts EnqueueOptions) string {
	c.mu.Lock()
	if !opts.DisableDedupe && operationKey != "" {
		if existing, ok := c.byKey[operationKey]; ok {
			c.mu.Unlock()
			return existing
		}
	}

	item := &workItem{
		snapshot: model.BackgroundWorkSnapshot{
			WorkID:       ids.New(),
			OperationKey: operationKey,
			Kind:         kind,
			State:        model.WorkPending,
			IsCritical:   opts.IsCritical,
			UpdatedAt:    c.clock.Now().UTC(),
		},
		fn: fn,
	}
	c.queue = append(c.queue, item)
	c.items[item.snapshot.WorkID] = item
	if operationKey != "" {
		if _, taken := c.byKey[operationKey]; !taken {
			c.byKey[operationKey] = item.snapshot.WorkID
		}
	}
	snap := item.snapshot
	c.mu.Unlock()

	c.notify(snap)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return snap.WorkID
}

// Cancel stops one work item. Pending items finish immediately as
// cancelled; running items get their context cancelled and decide for
// themselves. Returns false when the id is not active.
func (c *Coordinator) Cancel(workID string) bool {
	c.mu.Lock()
	item, ok := c.items[workID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	switch item.snapshot.State {
	case model.WorkPending:
		item.snapshot.State = model.WorkCancelled
		item.snapshot.UpdatedAt = c.clock.Now().UTC()
		c.releaseKeyLocked(item)
		delete(c.items, workID)
		c.retainLocked(item.snapshot)
		snap := item.snapshot
		c.mu.Unlock()
		metrics.BackgroundWork.WithLabelValues(string(snap.Kind), string(snap.State)).Inc()
		c.notify(snap)
		return true
	case model.WorkRunning:
		cancel := item.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		c.mu.Unlock()
		return false
	}
}

// Snapshot returns all known work, newest update first
func (c *Coordinator) Snapshot() []model.BackgroundWorkSnapshot {
	c.mu.Lock()
	out := make([]model.BackgroundWorkSnapshot, 0, len(c.items)+len(c.retained))
	for _, item := range c.items {
		out = append(out, item.snapshot)
	}
	for _, snap := range c.retained {
		out = append(out, *snap)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].WorkID < out[j].WorkID
	})
	return out
}

// TryGet returns the snapshot for a work id, active or retained
func (c *Coordinator) TryGet(workID string) (model.BackgroundWorkSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[workID]; ok {
		return item.snapshot, true
	}
	if snap, ok := c.retained[workID]; ok {
		return *snap, true
	}
	return model.BackgroundWorkSnapshot{}, false
}

// OnUpdated registers a transition handler and returns its remover.
// A panicking handler is logged and never affects other handlers.
func (c *Coordinator) OnUpdated(handler UpdateHandler) func() {
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) executor() {
	defer c.wg.Done()
	for {
		item := c.pop()
		if item == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		c.execute(item)
	}
}

func (c *Coordinator) pop() *workItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 {
		item := c.queue[0]
		c.queue = c.queue[1:]
		if item.snapshot.State == model.WorkPending {
			return item
		}
	}
	return nil
}

func (c *Coordinator) execute(item *workItem) {
	c.mu.Lock()
	if item.snapshot.State != model.WorkPending {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now().UTC()
	item.snapshot.State = model.WorkRunning
	item.snapshot.StartedAt = &now
	item.snapshot.UpdatedAt = now
	itemCtx, itemCancel := context.WithCancel(c.ctx)
	item.cancel = itemCancel
	snap := item.snapshot
	c.mu.Unlock()
	defer itemCancel()

	c.notify(snap)

	reporter := &Reporter{coordinator: c, workID: snap.WorkID}
	err := c.runWork(itemCtx, item.fn, reporter)

	c.mu.Lock()
	final := model.WorkSucceeded
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		final = model.WorkCancelled
	default:
		final = model.WorkFailed
		item.snapshot.ErrorCode = model.CodeOf(err)
		item.snapshot.Message = err.Error()
	}
	item.snapshot.State = final
	item.snapshot.UpdatedAt = c.clock.Now().UTC()
	c.releaseKeyLocked(item)
	delete(c.items, item.snapshot.WorkID)
	c.retainLocked(item.snapshot)
	snap = item.snapshot
	c.mu.Unlock()

	metrics.BackgroundWork.WithLabelValues(string(snap.Kind), string(snap.State)).Inc()
	if final == model.WorkFailed && snap.IsCritical {
		c.log.Error("critical background work failed",
			zap.String("work_id", snap.WorkID),
			zap.String("kind", string(snap.Kind)),
			zap.String("error_code", snap.ErrorCode),
			zap.String("message", snap.Message))
	}
	c.notify(snap)
}

// runWork isolates the work body; a panic becomes a failed item, not a
// dead executor
func (c *Coordinator) runWork(ctx context.Context, fn WorkFunc, reporter *Reporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewError(model.KindInternalError, "work_panicked", fmt.Sprintf("background work panicked: %v", r))
		}
	}()
	return fn(ctx, reporter)
}

// releaseKeyLocked frees the dedupe index entry if this item owns it.
// Caller holds mu.
func (c *Coordinator) releaseKeyLocked(item *workItem) {
	key := item.snapshot.OperationKey
	if key != "" && c.byKey[key] == item.snapshot.WorkID {
		delete(c.byKey, key)
	}
}

// retainLocked inserts a terminal snapshot, evicting the least
// recently updated beyond the bound. Caller holds mu.
func (c *Coordinator) retainLocked(snap model.BackgroundWorkSnapshot) {
	copied := snap
	c.retained[snap.WorkID] = &copied
	for len(c.retained) > c.maxRetained {
		oldest := lo.MinBy(lo.Values(c.retained), func(a, b *model.BackgroundWorkSnapshot) bool {
			return a.UpdatedAt.Before(b.UpdatedAt)
		})
		delete(c.retained, oldest.WorkID)
	}
}

func (c *Coordinator) notify(snap model.BackgroundWorkSnapshot) {
	c.mu.Lock()
	handlers := lo.Values(c.handlers)
	c.mu.Unlock()
	for _, handler := range handlers {
		c.callHandler(handler, snap)
	}
}

func (c *Coordinator) callHandler(handler UpdateHandler, snap model.BackgroundWorkSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("update handler panicked",
				zap.String("work_id", snap.WorkID),
				zap.Any("panic", r))
		}
	}()
	handler(snap)
}
