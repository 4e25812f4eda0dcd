package cli

import (
	"fmt"
	"os"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/orchestrator"
)

// openService builds the component graph over the configured database
// without starting any loops. Admin commands drive the scheduler and
// pool APIs directly; a concurrently serving process sees the writes
// through the shared database and its loops carry them forward.
func openService(a *App) (*orchestrator.Service, func(), error) {
	cfg, err := config.LoadConfig(a.cfgPath)
	if err != nil {
		return nil, nil, err
	}

	log := logging.NewNop()
	if a.verbose {
		log, err = logging.New("debug", true)
		if err != nil {
			return nil, nil, err
		}
	}

	loopback := gateway.NewLoopback(cfg.HeartbeatInterval(), loopbackRunDuration)
	svc, err := orchestrator.New(cfg, loopback, loopback, log, nil)
	if err != nil {
		loopback.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
		}
		loopback.Close()
	}
	return svc, cleanup, nil
}
