package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoopbackRunEmitsFramesAndCompletes(t *testing.T) {
	l := NewLoopback(10*time.Millisecond, 30*time.Millisecond)
	defer l.Close()

	var mu sync.Mutex
	var frames []RuntimeEventFrame
	done := make(chan struct{})
	l.SetHandlers(nil, func(ctx context.Context, frame *RuntimeEventFrame) error {
		mu.Lock()
		frames = append(frames, *frame)
		terminal := frame.Category == "run.completed"
		mu.Unlock()
		if terminal {
			close(done)
		}
		return nil
	})

	prov, err := l.ProvisionRuntime(context.Background(), &ProvisionSpec{RuntimeID: "rt-loop-1234", MaxSlots: 2})
	if err != nil {
		t.Fatalf("ProvisionRuntime failed: %v", err)
	}
	if prov.ContainerID == "" {
		t.Fatal("expected a container id")
	}
	if _, err := l.DispatchJob(context.Background(), &DispatchJobRequest{RunID: "run-1", RuntimeID: "rt-loop-1234", ExecutionToken: "tok"}); err != nil {
		t.Fatalf("DispatchJob failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run.completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) < 2 {
		t.Fatalf("expected delta frames before the terminal one, got %d", len(frames))
	}
	for i, frame := range frames {
		if frame.Sequence != int64(i+1) {
			t.Errorf("frame %d has sequence %d", i, frame.Sequence)
		}
		if frame.ExecutionToken != "tok" {
			t.Errorf("frame %d lost the execution token", i)
		}
	}
	last := frames[len(frames)-1]
	if last.Category != "run.completed" {
		t.Errorf("last frame category = %s", last.Category)
	}
}

func TestLoopbackHeartbeatsCarryActiveRuns(t *testing.T) {
	l := NewLoopback(5*time.Millisecond, time.Second)
	defer l.Close()

	beats := make(chan Heartbeat, 16)
	l.SetHandlers(func(ctx context.Context, hb *Heartbeat) error {
		select {
		case beats <- *hb:
		default:
		}
		return nil
	}, nil)

	if _, err := l.ProvisionRuntime(context.Background(), &ProvisionSpec{RuntimeID: "rt-loop-5678", MaxSlots: 4}); err != nil {
		t.Fatalf("ProvisionRuntime failed: %v", err)
	}
	if _, err := l.DispatchJob(context.Background(), &DispatchJobRequest{RunID: "run-hb", RuntimeID: "rt-loop-5678"}); err != nil {
		t.Fatalf("DispatchJob failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case hb := <-beats:
			if hb.RuntimeID != "rt-loop-5678" {
				t.Fatalf("heartbeat from unexpected runtime %s", hb.RuntimeID)
			}
			if hb.ActiveSlots == 1 && len(hb.ActiveRunIDs) == 1 && hb.ActiveRunIDs[0] == "run-hb" {
				return
			}
		case <-deadline:
			t.Fatal("never saw a heartbeat reporting the active run")
		}
	}
}

func TestLoopbackStopTurnsRunCancelled(t *testing.T) {
	l := NewLoopback(50*time.Millisecond, 5*time.Second)
	defer l.Close()

	done := make(chan string, 1)
	l.SetHandlers(nil, func(ctx context.Context, frame *RuntimeEventFrame) error {
		if frame.Category == "run.completed" {
			done <- frame.PayloadJSON
		}
		return nil
	})

	_, err := l.ProvisionRuntime(context.Background(), &ProvisionSpec{RuntimeID: "rt-loop-stop", MaxSlots: 1})
	if err != nil {
		t.Fatalf("ProvisionRuntime failed: %v", err)
	}
	if _, err := l.DispatchJob(context.Background(), &DispatchJobRequest{RunID: "run-stop", RuntimeID: "rt-loop-stop"}); err != nil {
		t.Fatalf("DispatchJob failed: %v", err)
	}
	if err := l.StopJob(context.Background(), "run-stop"); err != nil {
		t.Fatalf("StopJob failed: %v", err)
	}

	select {
	case payload := <-done:
		if want := `"status":"cancelled"`; !strings.Contains(payload, want) {
			t.Errorf("terminal payload %s does not carry %s", payload, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled terminal frame")
	}
}
