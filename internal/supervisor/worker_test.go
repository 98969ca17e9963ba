package supervisor

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/gholt/brimd/internal/stats"
)

// TestWorkerSupervisorRestartsCrashedChildAndCountsIt exercises the real
// fork/exec + restart loop end to end against /bin/sh standing in for the
// re-exec'd worker binary, rather than mocking startChild: exec.Command
// only cares about the program name and argv, so a shell one-liner that
// exits immediately is a faithful stand-in for a worker that crashes on
// every respawn.
func TestWorkerSupervisorRestartsCrashedChildAndCountsIt(t *testing.T) {
	scopePrefix := "tcp:crashtest"
	scope := scopePrefix + ":0"

	planner := stats.NewPlanner()
	planner.Reserve(scope, "subprocess_restart_count")
	region, err := stats.NewRegion(planner.Freeze())
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer region.Close()

	sv := NewWorkerSupervisor("/bin/sh", "exit 0", "tcp", "crashtest", 1, region, scopePrefix, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sv.Run(ctx, nil)
		close(done)
	}()

	handle := region.HandleFor(scope)
	deadline := time.Now().Add(15 * time.Second)
	for handle.Get("subprocess_restart_count") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("subprocess_restart_count = %d after 15s, want >= 2", handle.Get("subprocess_restart_count"))
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestWorkerSupervisorStopsRestartingOnceShutdown confirms a slot whose
// child is still running when the context is canceled is not treated as a
// crash: Shutdown should return promptly without bumping the restart count
// any further once ctx is done.
func TestWorkerSupervisorStopsRestartingOnceShutdown(t *testing.T) {
	scopePrefix := "tcp:shutdowntest"
	scope := scopePrefix + ":0"

	planner := stats.NewPlanner()
	planner.Reserve(scope, "subprocess_restart_count")
	region, err := stats.NewRegion(planner.Freeze())
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	defer region.Close()

	sv := NewWorkerSupervisor("/bin/sh", "sleep 5", "tcp", "shutdowntest", 1, region, scopePrefix, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sv.Run(ctx, nil)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond) // let the child actually start
	cancel()
	sv.Shutdown(syscall.SIGTERM, 2*time.Second)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if got := region.HandleFor(scope).Get("subprocess_restart_count"); got != 0 {
		t.Errorf("subprocess_restart_count = %d, want 0 for a cooperative shutdown", got)
	}
}
