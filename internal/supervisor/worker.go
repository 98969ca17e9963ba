// Package supervisor is the Worker Supervisor (C1) and Parent Controller
// (C2): it re-execs the launcher binary once per desired worker, hands
// each child its listener socket and the shared stats region by inherited
// file descriptor, restarts a child that exits without being asked to,
// and exposes the CLI verb surface spec §4.1 describes.
//
// Go has no safe fork() without exec, so where
// _examples/original_source/brim/service.py's sustain_workers forks and
// calls worker_func directly in the child, this re-execs the same binary
// (self) with a marker environment variable the child's main() checks —
// the same technique
// _examples/other_examples/oarkflow-go-app__prefork.go uses for its single
// listener, generalized here to one listener (or none, for a daemon) plus
// the stats memfd per child.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/One-com/gone/log"

	"github.com/gholt/brimd/internal/stats"
)

// WorkerEnv is the marker environment variable a re-exec'd child inspects
// to decide it is a worker (or daemon) rather than the parent controller,
// mirroring oarkflow-go-app__prefork.go's IS_CHILD convention.
const WorkerEnv = "BRIMD_WORKER"

// ChildSpec describes everything a re-exec'd child process needs to find
// its place: which sub-instance and worker index it is, and which of its
// ExtraFiles is the listener (if any) versus the stats region.
type ChildSpec struct {
	Kind       string // "wsgi", "tcp", "udp" or "daemon"
	Name       string // sub-instance or daemon name
	WorkerID   int
	ListenerFD int // 0 means "no inherited listener" (daemons)
	StatsFD    int
}

// Encode renders the spec into the WorkerEnv value, e.g. "wsgi:front:0:3:4".
func (c ChildSpec) Encode() string {
	return fmt.Sprintf("%s:%s:%d:%d:%d", c.Kind, c.Name, c.WorkerID, c.ListenerFD, c.StatsFD)
}

// DecodeChildSpec parses the WorkerEnv value a re-exec'd child finds in its
// own environment.
func DecodeChildSpec(s string) (ChildSpec, error) {
	var c ChildSpec
	n, err := fmt.Sscanf(s, "%[^:]:%[^:]:%d:%d:%d", &c.Kind, &c.Name, &c.WorkerID, &c.ListenerFD, &c.StatsFD)
	if err != nil || n != 5 {
		return ChildSpec{}, fmt.Errorf("malformed %s=%q", WorkerEnv, s)
	}
	return c, nil
}

// WorkerSupervisor maintains a fixed-size pool of re-exec'd child processes
// for one sub-instance (or a single child for a daemon, which has no
// worker fan-out). Offsets into ExtraFiles are fixed at construction time.
type WorkerSupervisor struct {
	exePath     string
	configPath  string
	kind        string
	name        string
	count       int
	statsFile   *os.File
	region      *stats.Region
	scopePrefix string // e.g. "wsgi:front" or "daemon:housekeeper"

	extraEnv []string

	mu        sync.Mutex
	processes []*exec.Cmd
	done      []chan struct{}
}

// NewWorkerSupervisor builds a supervisor for count child processes, each
// handed the shared stats region's memfd plus, via Run's listenerFile
// argument, the one already-bound socket every worker shares (the kernel
// load-balances accepts across processes holding the same listening fd).
// listenerFile is nil for daemons, which have no socket to share.
func NewWorkerSupervisor(exePath, configPath, kind, name string, count int, region *stats.Region, scopePrefix string, extraEnv []string) *WorkerSupervisor {
	return &WorkerSupervisor{
		exePath:     exePath,
		configPath:  configPath,
		kind:        kind,
		name:        name,
		count:       count,
		statsFile:   region.File(),
		region:      region,
		scopePrefix: scopePrefix,
		extraEnv:    extraEnv,
		processes:   make([]*exec.Cmd, count),
		done:        make([]chan struct{}, count),
	}
}

// Run starts every worker slot and supervises them until ctx is canceled.
// A slot whose child exits while ctx is still live is treated as a crash:
// its restart count stat is bumped and it is relaunched after an
// exponential backoff; a slot whose child exits after ctx is canceled is
// treated as a cooperative shutdown and is not restarted.
func (s *WorkerSupervisor) Run(ctx context.Context, listenerFile *os.File) error {
	if s.kind != "daemon" {
		// The sub-instance's overall start_time is recorded exactly once,
		// here, before any of its workers are ever forked, and is never
		// touched again for the lifetime of this WorkerSupervisor — unlike
		// each worker's own start_time slot (set fresh in superviseSlot on
		// every restart), this is "the time the first worker ever started"
		// that spec's overall stat is defined in terms of.
		s.region.HandleFor(s.scopePrefix).SetUint64("start_time", uint64(time.Now().Unix()))
	}

	var wg sync.WaitGroup
	for i := 0; i < s.count; i++ {
		doneCh := make(chan struct{})
		s.mu.Lock()
		s.done[i] = doneCh
		s.mu.Unlock()

		wg.Add(1)
		go func(idx int, doneCh chan struct{}) {
			defer wg.Done()
			defer close(doneCh)
			s.superviseSlot(ctx, idx, listenerFile)
		}(i, doneCh)
	}
	wg.Wait()
	return nil
}

func (s *WorkerSupervisor) superviseSlot(ctx context.Context, idx int, listenerFile *os.File) {
	scope := fmt.Sprintf("%s:%d", s.scopePrefix, idx)
	handle := s.region.HandleFor(scope)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		handle.SetUint64("start_time", uint64(time.Now().Unix()))
		cmd, err := s.startChild(idx, listenerFile)
		if err != nil {
			log.ERROR("failed to start worker", "sub_instance", s.scopePrefix, "worker", idx, "err", err)
			select {
			case <-time.After(backoff(attempt, baseRestartDelay, maxRestartDelay)):
				attempt++
			case <-ctx.Done():
				return
			}
			continue
		}

		s.mu.Lock()
		s.processes[idx] = cmd
		s.mu.Unlock()

		startedAt := time.Now()
		waitErr := cmd.Wait()

		if ctx.Err() != nil {
			return
		}

		handle.Incr("subprocess_restart_count")
		log.NOTICE("worker exited, restarting", "sub_instance", s.scopePrefix, "worker", idx, "err", waitErr)

		if time.Since(startedAt) >= stableUptime {
			attempt = 0
		}
		delay := backoff(attempt, baseRestartDelay, maxRestartDelay)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *WorkerSupervisor) startChild(idx int, listenerFile *os.File) (*exec.Cmd, error) {
	spec := ChildSpec{Kind: s.kind, Name: s.name, WorkerID: idx}

	var extraFiles []*os.File
	if listenerFile != nil {
		extraFiles = append(extraFiles, listenerFile)
		spec.ListenerFD = 3
	}
	extraFiles = append(extraFiles, s.statsFile)
	if spec.ListenerFD == 0 {
		spec.StatsFD = 3
	} else {
		spec.StatsFD = 4
	}

	cmd := exec.Command(s.exePath, "-c", s.configPath, "-worker")
	cmd.Env = append(append([]string{}, os.Environ()...), s.extraEnv...)
	cmd.Env = append(cmd.Env, WorkerEnv+"="+spec.Encode())
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// SignalAll delivers sig to every currently live child without touching the
// Run context, so a still-running superviseSlot treats the resulting exit
// the same way it treats a crash and relaunches the slot — the mechanism
// Reload() reuses to make a configured sub-instance pick up an edited config
// file without tearing down its listener socket or stats layout.
func (s *WorkerSupervisor) SignalAll(sig syscall.Signal) {
	s.mu.Lock()
	procs := append([]*exec.Cmd{}, s.processes...)
	s.mu.Unlock()

	for _, cmd := range procs {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(sig)
		}
	}
}

// Shutdown sends sig to every live child and waits up to timeout before
// giving up; callers typically cancel the Run context first so exited
// children are not respawned. It waits on each slot's own superviseSlot
// goroutine to observe the exit (via its done channel) rather than calling
// cmd.Wait() itself, since cmd.Wait() is already called exactly once, inside
// superviseSlot — calling it a second time here would race with that call.
func (s *WorkerSupervisor) Shutdown(sig syscall.Signal, timeout time.Duration) {
	s.mu.Lock()
	procs := append([]*exec.Cmd{}, s.processes...)
	doneChs := append([]chan struct{}{}, s.done...)
	s.mu.Unlock()

	for _, cmd := range procs {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(sig)
		}
	}

	done := make(chan struct{})
	go func() {
		for _, ch := range doneChs {
			if ch != nil {
				<-ch
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		for _, cmd := range procs {
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}
}
