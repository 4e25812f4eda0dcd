package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

// seedRuntimeRow inserts one runtime row into the admin database
func seedRuntimeRow(t *testing.T, dbPath, id string, state model.RuntimeState) {
	t.Helper()
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	now := time.Now().UTC()
	rt := &model.TaskRuntime{
		ID:             id,
		ContainerID:    "container-" + id,
		Endpoint:       "http://" + id + ":9000",
		HostName:       "node-a",
		MaxSlots:       2,
		LifecycleState: state,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := st.CreateTaskRuntime(context.Background(), rt); err != nil {
		t.Fatalf("CreateTaskRuntime failed: %v", err)
	}
}

func TestRuntimesList(t *testing.T) {
	cfgPath, dbPath := setupAdminDB(t)
	seedRuntimeRow(t, dbPath, "rt-1", model.RuntimeReady)

	out := runCLI(t, cfgPath, "runtimes", "list")
	for _, want := range []string{"rt-1", "ready", "0/2", "node-a", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRuntimesRecycle_Single(t *testing.T) {
	cfgPath, dbPath := setupAdminDB(t)
	seedRuntimeRow(t, dbPath, "rt-1", model.RuntimeReady)

	out := runCLI(t, cfgPath, "runtimes", "recycle", "rt-1")
	if !strings.Contains(out, "Runtime rt-1 marked for recycling") {
		t.Errorf("Expected recycle confirmation, got: %s", out)
	}

	// Idle runtimes skip draining and go straight to stopping. The
	// container teardown itself belongs to the serving process.
	out = runCLI(t, cfgPath, "runtimes", "list")
	if !strings.Contains(out, "stopping") {
		t.Errorf("Expected the idle runtime to begin stopping, got: %s", out)
	}
}

func TestRuntimesRecycle_All(t *testing.T) {
	cfgPath, dbPath := setupAdminDB(t)
	seedRuntimeRow(t, dbPath, "rt-1", model.RuntimeReady)
	seedRuntimeRow(t, dbPath, "rt-2", model.RuntimeQuarantined)

	out := runCLI(t, cfgPath, "runtimes", "recycle", "--all")
	if !strings.Contains(out, "2 runtime(s) marked for recycling") {
		t.Errorf("Expected both runtimes marked, got: %s", out)
	}
}

func TestRuntimesRecycle_RequiresTargetOrAll(t *testing.T) {
	cfgPath, _ := setupAdminDB(t)

	err := runCLIExpectError(t, cfgPath, "runtimes", "recycle")
	if !strings.Contains(err.Error(), "runtime id or --all") {
		t.Errorf("Expected the target guard error, got: %v", err)
	}
}

func TestRuntimesClearQuarantine(t *testing.T) {
	cfgPath, dbPath := setupAdminDB(t)
	seedRuntimeRow(t, dbPath, "rt-1", model.RuntimeQuarantined)

	out := runCLI(t, cfgPath, "runtimes", "clear-quarantine", "rt-1")
	if !strings.Contains(out, "Runtime rt-1 returned to rotation") {
		t.Errorf("Expected clear confirmation, got: %s", out)
	}

	out = runCLI(t, cfgPath, "runtimes", "list")
	if !strings.Contains(out, "ready") {
		t.Errorf("Expected the runtime back in rotation, got: %s", out)
	}
}

func TestRuntimesClearQuarantine_NotQuarantined(t *testing.T) {
	cfgPath, dbPath := setupAdminDB(t)
	seedRuntimeRow(t, dbPath, "rt-1", model.RuntimeReady)

	err := runCLIExpectError(t, cfgPath, "runtimes", "clear-quarantine", "rt-1")
	if model.KindOf(err) != model.KindPreconditionFailed {
		t.Errorf("Expected a precondition error, got: %v", err)
	}
}
