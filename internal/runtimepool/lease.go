package runtimepool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
)

// Lease is a claimed dispatch slot on a runtime. The holder must call
// ReleaseLease exactly once when the run leaves the runtime.
type Lease struct {
	RuntimeID   string
	ContainerID string
	Endpoint    string
}

// AcquireTaskRuntimeForDispatch claims one slot on the best available
// runtime for the repository. Returns (nil, nil) when no runtime can
// take the lease right now; a scale-out may have been kicked off and
// the caller retries on its next tick.
func (p *Pool) AcquireTaskRuntimeForDispatch(ctx context.Context, repositoryID string) (*Lease, error) {
	var lease *Lease
	err := retry.Do(
		func() error {
			l, err := p.tryAcquire(ctx, repositoryID)
			if err != nil {
				return err
			}
			lease = l
			return nil
		},
		retry.Attempts(3),
		retry.Delay(5*time.Millisecond),
		retry.RetryIf(func(err error) bool { return errors.Is(err, model.ErrVersionConflict) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			// Lost the slot race three times; the next tick retries.
			return nil, nil
		}
		return nil, err
	}
	return lease, nil
}

// tryAcquire performs one list-score-claim pass. A version conflict
// means another loop claimed the same runtime first; the caller
// re-lists and tries again.
func (p *Pool) tryAcquire(ctx context.Context, repositoryID string) (*Lease, error) {
	now := p.clock.Now().UTC()
	runtimes, err := p.store.ListTaskRuntimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtimes: %w", err)
	}

	freshness := p.cfg.HeartbeatFreshness()
	candidates := lo.Filter(runtimes, func(rt *model.TaskRuntime, _ int) bool {
		return rt.Available(now, freshness)
	})
	if len(candidates) == 0 {
		p.maybeScaleOut(ctx, scaleReasonDemand)
		return nil, nil
	}

	best := lo.MaxBy(candidates, func(a, b *model.TaskRuntime) bool {
		return p.leaseScore(a, repositoryID, now) > p.leaseScore(b, repositoryID, now)
	})

	best.ActiveSlots++
	if best.LifecycleState == model.RuntimeReady {
		best.SetState(model.RuntimeBusy, now)
	}
	best.IdleSince = nil
	best.UpdatedAt = now
	if err := p.store.UpdateTaskRuntime(ctx, best); err != nil {
		return nil, err
	}

	metrics.RuntimeLeases.Inc()
	p.log.Debug("lease acquired",
		zap.String("runtime_id", best.ID),
		zap.String("repository_id", repositoryID),
		zap.Int("active_slots", best.ActiveSlots))
	return &Lease{RuntimeID: best.ID, ContainerID: best.ContainerID, Endpoint: best.Endpoint}, nil
}

// leaseScore ranks candidates: repository affinity wins, then fewer
// occupied slots, then younger runtimes.
func (p *Pool) leaseScore(rt *model.TaskRuntime, repositoryID string, now time.Time) float64 {
	score := -float64(rt.ActiveSlots)*10 - rt.AgeSeconds(now)/60
	if rt.HasAffinity(repositoryID) {
		score += 100
	}
	return score
}

// ReleaseLease returns a slot. When the last slot frees up a Busy
// runtime goes back to Ready and starts its idle clock; a Draining
// runtime proceeds to Stopping. Releasing against a runtime that no
// longer exists is a no-op.
func (p *Pool) ReleaseLease(ctx context.Context, runtimeID string) error {
	var drained bool
	err := p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		drained = false
		if rt.ActiveSlots > 0 {
			rt.ActiveSlots--
		}
		if rt.ActiveSlots != 0 {
			return nil
		}
		now := p.clock.Now().UTC()
		switch rt.LifecycleState {
		case model.RuntimeBusy:
			rt.SetState(model.RuntimeReady, now)
			idle := now
			rt.IdleSince = &idle
		case model.RuntimeDraining:
			drained = true
		}
		return nil
	})
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			p.log.Debug("lease released against removed runtime", zap.String("runtime_id", runtimeID))
			return nil
		}
		return fmt.Errorf("failed to release lease on %s: %w", runtimeID, err)
	}
	if drained {
		p.beginStopping(ctx, runtimeID)
	}
	metrics.RuntimeLeases.Dec()
	return nil
}
