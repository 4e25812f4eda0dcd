// Package orchestrator assembles the control plane. One Service owns
// the store, event bus, background coordinator, runtime pool,
// scheduler, and dead run detector, and runs their lifecycles in
// dependency order.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/RevCBH/switchyard/internal/background"
	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/notify"
	"github.com/RevCBH/switchyard/internal/reaper"
	"github.com/RevCBH/switchyard/internal/runtimepool"
	"github.com/RevCBH/switchyard/internal/scheduler"
	"github.com/RevCBH/switchyard/internal/store"
)

// shutdownGrace bounds how long Stop waits for component drains before
// abandoning them
const shutdownGrace = 30 * time.Second

// Service owns every control-plane component. All of them share one
// store handle and one clock, so tests can drive the whole plane off a
// fake clock.
type Service struct {
	cfg   *config.Config
	log   *logging.Logger
	clock clock.Clock

	store    *store.SQLite
	bus      *eventbus.Bus
	work     *background.Coordinator
	pool     *runtimepool.Pool
	sched    *scheduler.Scheduler
	detector *reaper.Detector
	notifier notify.Notifier

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New opens the store at cfg.Database.Path and assembles the
// components. Nothing runs until Start. The gateway dispatches, stops,
// and kills; the provisioner creates and removes runtime containers;
// one implementation may serve both roles.
func New(cfg *config.Config, gw gateway.RuntimeGateway, prov gateway.RuntimeProvisioner, log *logging.Logger, clk clock.WithTicker) (*Service, error) {
	if gw == nil || prov == nil {
		return nil, fmt.Errorf("gateway and provisioner are required")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Database.Path, err)
	}
	bus, err := eventbus.New(context.Background(), st, log)
	if err != nil {
		if cerr := st.Close(); cerr != nil {
			log.Warn("failed to close store during teardown", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to build event bus: %w", err)
	}

	notifier, err := notify.FromConfig(notify.Config{
		Backends:     cfg.Notifications.Backends,
		SlackWebhook: cfg.Notifications.SlackWebhookURL,
		WebhookURL:   cfg.Notifications.WebhookURL,
	}, log)
	if err != nil {
		if cerr := st.Close(); cerr != nil {
			log.Warn("failed to close store during teardown", zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to build notifier: %w", err)
	}

	work := background.NewCoordinator(log, 0, 0, clk)
	pool := runtimepool.New(st, gw, prov, work, cfg, log, clk)
	sched := scheduler.New(st, pool, gw, bus, cfg, log, clk)
	detector := reaper.New(st, pool, gw, bus, cfg, log, clk)

	return &Service{
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "orchestrator")),
		clock:    clk,
		store:    st,
		bus:      bus,
		work:     work,
		pool:     pool,
		sched:    sched,
		detector: detector,
		notifier: notifier,
	}, nil
}

// Start brings the components up in dependency order: background
// coordinator, bus pump, notify loop, startup recovery, pool,
// scheduler, detector. Everything runs until Stop; a component that
// fails to start unwinds the ones already up.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	group, _ := errgroup.WithContext(loopCtx)
	s.group = group

	if err := s.work.Start(loopCtx); err != nil {
		return s.failStart(fmt.Errorf("failed to start background coordinator: %w", err))
	}
	group.Go(func() error {
		s.bus.Run()
		return nil
	})
	group.Go(func() error {
		s.notifyLoop(loopCtx)
		return nil
	})
	s.enqueueRecovery()
	if err := s.pool.Start(loopCtx); err != nil {
		return s.failStart(fmt.Errorf("failed to start runtime pool: %w", err))
	}
	if err := s.sched.Start(loopCtx); err != nil {
		return s.failStart(fmt.Errorf("failed to start scheduler: %w", err))
	}
	if err := s.detector.Start(loopCtx); err != nil {
		return s.failStart(fmt.Errorf("failed to start dead run detector: %w", err))
	}

	s.log.Info("service started",
		zap.String("database", s.cfg.Database.Path),
		zap.Int("max_global_runs", s.cfg.MaxGlobalConcurrentRuns))
	return nil
}

// failStart unwinds a partial Start. Component Stops are no-ops for
// components that never came up.
func (s *Service) failStart(err error) error {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.detector.Stop()
	s.sched.Stop()
	s.pool.Stop()
	s.work.Stop()
	s.bus.Stop()
	_ = s.group.Wait()
	return err
}

// Stop tears the service down in reverse order: the loops that produce
// work stop before the surfaces they feed, and the store closes last.
// Drains are bounded by the shutdown grace; a drain that exceeds it is
// abandoned so shutdown always completes.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("service not started")
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	var errs error
	drained := make(chan struct{})
	go func() {
		s.detector.Stop()
		s.sched.Stop()
		s.pool.Stop()
		s.work.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		s.log.Warn("component drain exceeded the shutdown grace, continuing shutdown")
		errs = multierr.Append(errs, fmt.Errorf("component drain timed out after %s", shutdownGrace))
	}

	s.bus.Stop()
	if err := s.group.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	s.log.Info("service stopped")
	return errs
}

// Run starts the service and blocks until ctx is cancelled, then stops
// it. The usual way to run the control plane from a command.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Close releases the store of a service that was never started. Admin
// commands use the component APIs without running the loops; a running
// service closes its store in Stop instead.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	return s.store.Close()
}

// HandleHeartbeat is the inbound path for runtime heartbeats. The serve
// command wires it into whatever gateway listener it runs.
func (s *Service) HandleHeartbeat(ctx context.Context, hb *gateway.Heartbeat) error {
	return s.pool.HandleHeartbeat(ctx, hb)
}

// HandleEventFrame ingests a runtime event frame into the bus.
func (s *Service) HandleEventFrame(ctx context.Context, frame *gateway.RuntimeEventFrame) error {
	return s.bus.Ingest(ctx, frame)
}

// Scheduler exposes the run API surface
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Pool exposes runtime fleet operations
func (s *Service) Pool() *runtimepool.Pool {
	return s.pool
}

// Bus exposes event subscription and backlog reads
func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

// Background exposes background work tracking
func (s *Service) Background() *background.Coordinator {
	return s.work
}

// Store exposes read access for command surfaces
func (s *Service) Store() store.Store {
	return s.store
}
