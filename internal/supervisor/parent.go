package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/One-com/gone/log"

	launcherrors "github.com/gholt/brimd/internal/errors"
	"github.com/gholt/brimd/internal/listener"
	"github.com/gholt/brimd/internal/pidfile"
	"github.com/gholt/brimd/internal/plan"
	"github.com/gholt/brimd/internal/stats"
)

// RespawnFDEnv is the marker a re-exec'd replacement parent finds in its
// environment when ParentController.Respawn hands it already-bound listener
// sockets and the stats memfd, so it can adopt them instead of binding fresh
// ones. RespawnOldPIDEnv carries the pid the new parent should ask to step
// down once it is itself serving, mirroring
// _examples/One-com-ozone/main.go's onSignalRespawn/daemon.ReplaceProcess:
// "fork/exec a new daemon process... which will then ask the old daemon
// process to shutdown."
const (
	RespawnFDEnv     = "BRIMD_RESPAWN_FDS"
	RespawnOldPIDEnv = "BRIMD_RESPAWN_OLD_PID"
)

// LaunchStartTimeEnv carries the one parent process's own startup timestamp
// (Unix seconds) down to every worker/daemon it re-execs, so the stats
// reporter's top-level "start_time" field reflects a single launch time
// shared by the whole process tree rather than each worker's own spawn
// time, per _examples/original_source/brim/wsgi_stats.py's
// body['start_time'] = server.start_time reading the one parent Server
// object every forked child shares implicitly.
const LaunchStartTimeEnv = "BRIMD_LAUNCH_START_TIME"

// RespawnFDs names which inherited fd belongs to which bound scope plus the
// stats region, the payload of RespawnFDEnv.
type RespawnFDs struct {
	Listeners map[string]int // scope -> fd
	StatsFD   int
}

// Encode renders f as "scope1=fd1,scope2=fd2,stats=fd".
func (f RespawnFDs) Encode() string {
	var parts []string
	for scope, fd := range f.Listeners {
		parts = append(parts, fmt.Sprintf("%s=%d", scope, fd))
	}
	parts = append(parts, fmt.Sprintf("stats=%d", f.StatsFD))
	return strings.Join(parts, ",")
}

// DecodeRespawnFDs parses RespawnFDEnv's value back into a RespawnFDs.
func DecodeRespawnFDs(s string) (RespawnFDs, error) {
	out := RespawnFDs{Listeners: map[string]int{}}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return RespawnFDs{}, fmt.Errorf("malformed %s entry %q", RespawnFDEnv, part)
		}
		fd, err := strconv.Atoi(kv[1])
		if err != nil {
			return RespawnFDs{}, fmt.Errorf("malformed %s entry %q: %w", RespawnFDEnv, part, err)
		}
		if kv[0] == "stats" {
			out.StatsFD = fd
		} else {
			out.Listeners[kv[0]] = fd
		}
	}
	return out, nil
}

// ParentController is the Parent Controller (C2): it creates the shared
// stats region, writes the pid file, binds every sub-instance's listener
// socket, drops privileges, then supervises one WorkerSupervisor per
// sub-instance plus one per daemon for the rest of the process's life —
// the parent-side counterpart to brim/service.py's BrimSideOfService,
// generalized from fork() to re-exec per internal/supervisor's package doc.
type ParentController struct {
	exePath    string
	configPath string
	plan       *plan.LaunchPlan

	region *stats.Region
	bound  map[string]*listener.Bound // scope -> bound socket

	launchStartTime int64

	mu          sync.Mutex
	supervisors []*WorkerSupervisor
	cancel      context.CancelFunc
}

// NewParentController allocates a fresh shared stats region for p and
// returns a controller ready for WritePidFile, BindAll, DropPrivileges and
// Start, in that order.
func NewParentController(exePath, configPath string, p *plan.LaunchPlan) (*ParentController, error) {
	region, err := stats.NewRegion(p.StatsLayout)
	if err != nil {
		return nil, err
	}
	return NewParentControllerFromRegion(exePath, configPath, p, region), nil
}

// NewParentControllerFromRegion builds a controller around an already-open
// region, for a respawned parent that re-mapped its predecessor's stats
// memfd via Adopt instead of allocating its own.
func NewParentControllerFromRegion(exePath, configPath string, p *plan.LaunchPlan, region *stats.Region) *ParentController {
	return &ParentController{
		exePath:         exePath,
		configPath:      configPath,
		plan:            p,
		region:          region,
		bound:           make(map[string]*listener.Bound),
		launchStartTime: time.Now().Unix(),
	}
}

// Adopt wraps every inherited listener fd named in fds as this controller's
// bound sockets, skipping BindAll entirely — the receiving side of Respawn's
// handoff, so a replacement parent never contends for a port its
// predecessor already holds open.
func (c *ParentController) Adopt(fds RespawnFDs) {
	wsgiOrTCP := map[string]bool{}
	for _, w := range c.plan.WSGI {
		wsgiOrTCP[plan.ScopePrefix("wsgi", w.Name)] = true
	}
	for _, t := range c.plan.TCP {
		wsgiOrTCP[plan.ScopePrefix("tcp", t.Name)] = true
	}
	for scope, fd := range fds.Listeners {
		network := "udp"
		if wsgiOrTCP[scope] {
			network = "tcp"
		}
		f := os.NewFile(uintptr(fd), scope)
		c.bound[scope] = listener.NewBound(f, scope, network)
	}
}

// BindAll acquires every WSGI/TCP/UDP sub-instance's listening socket before
// any privilege drop, per spec §4.3's bind-before-drop ordering.
func (c *ParentController) BindAll() error {
	for _, w := range c.plan.WSGI {
		scope := plan.ScopePrefix("wsgi", w.Name)
		opts := listener.DefaultTCPOptions
		opts.Backlog = w.Backlog
		b, err := listener.BindTCP(launcherrors.Section(w.Name), w.Address, w.Port, opts, w.ListenRetry)
		if err != nil {
			return err
		}
		c.bound[scope] = b
	}
	for _, t := range c.plan.TCP {
		scope := plan.ScopePrefix("tcp", t.Name)
		opts := listener.DefaultTCPOptions
		opts.Backlog = t.Backlog
		b, err := listener.BindTCP(launcherrors.Section(t.Name), t.Address, t.Port, opts, t.ListenRetry)
		if err != nil {
			return err
		}
		c.bound[scope] = b
	}
	for _, u := range c.plan.UDP {
		scope := plan.ScopePrefix("udp", u.Name)
		b, err := listener.BindUDP(launcherrors.Section(u.Name), u.Address, u.Port)
		if err != nil {
			return err
		}
		c.bound[scope] = b
	}
	return nil
}

// DropPrivileges switches the process to plan.Group/plan.User and applies
// plan.Umask, matching brim/server.py's startup sequence of binding
// privileged ports first and dropping root afterward.
func (c *ParentController) DropPrivileges() error {
	if c.plan.Umask != 0 {
		syscall.Umask(c.plan.Umask)
	}
	if c.plan.Group != "" {
		g, err := user.LookupGroup(c.plan.Group)
		if err != nil {
			return launcherrors.NewPrivilegeError(c.plan.Group, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return launcherrors.NewPrivilegeError(c.plan.Group, err)
		}
		if err := syscall.Setgid(gid); err != nil {
			return launcherrors.NewPrivilegeError(c.plan.Group, err)
		}
	}
	if c.plan.User != "" {
		u, err := user.Lookup(c.plan.User)
		if err != nil {
			return launcherrors.NewPrivilegeError(c.plan.User, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return launcherrors.NewPrivilegeError(c.plan.User, err)
		}
		if err := syscall.Setuid(uid); err != nil {
			return launcherrors.NewPrivilegeError(c.plan.User, err)
		}
	}
	return nil
}

// WritePidFile records the parent's own pid, per spec §4.1.
func (c *ParentController) WritePidFile() error {
	return pidfile.Write(c.plan.PidFile, os.Getpid())
}

// Start launches one WorkerSupervisor per sub-instance (handed its bound
// listener file) plus one per daemon (handed none), and begins supervising
// all of them until ctx is canceled or Shutdown is called.
func (c *ParentController) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	launchEnv := []string{LaunchStartTimeEnv + "=" + strconv.FormatInt(c.launchStartTime, 10)}

	for _, sub := range c.plan.SubInstances() {
		scope := plan.ScopePrefix(sub.Kind(), sub.InstanceName())
		count := sub.WorkerCount()
		if count == 0 {
			count = 1
		}
		sv := NewWorkerSupervisor(c.exePath, c.configPath, sub.Kind(), sub.InstanceName(), count, c.region, scope, launchEnv)
		c.mu.Lock()
		c.supervisors = append(c.supervisors, sv)
		c.mu.Unlock()
		bound := c.bound[scope]
		var f *os.File
		if bound != nil {
			f = bound.File()
		}
		go sv.Run(ctx, f)
	}

	for _, d := range c.plan.Daemons {
		scope := plan.DaemonScope(d.Name)
		sv := NewWorkerSupervisor(c.exePath, c.configPath, "daemon", d.Name, 1, c.region, scope, launchEnv)
		c.mu.Lock()
		c.supervisors = append(c.supervisors, sv)
		c.mu.Unlock()
		go sv.Run(ctx, nil)
	}
}

// Reload asks every supervised sub-instance's children to restart, which
// makes each one re-read the on-disk config when it starts back up, without
// rebinding any listener socket or reallocating the stats region — spec §5
// freezes the StatBucket layout for the parent's lifetime, so a reload can
// only change per-request dispatch behavior, not declared stats or the set
// of sub-instances. Per-slot backoff still applies, so a config edit that
// makes a handler fail to start doesn't restart-storm.
func (c *ParentController) Reload() {
	log.NOTICE("reloading: restarting all workers to pick up config changes")
	c.mu.Lock()
	supervisors := append([]*WorkerSupervisor{}, c.supervisors...)
	c.mu.Unlock()
	for _, sv := range supervisors {
		sv.SignalAll(syscall.SIGTERM)
	}
}

// Respawn re-execs the launcher binary as a brand-new parent process,
// handing it every already-bound listener socket and the stats memfd so no
// socket is ever unbound, then relies on the new parent to signal this one
// with SIGTERM once it is itself up and supervising — the re-exec
// equivalent of _examples/One-com-ozone/main.go's
// daemon.ReplaceProcess(syscall.SIGTERM).
func (c *ParentController) Respawn() error {
	fds := RespawnFDs{Listeners: map[string]int{}}
	var extraFiles []*os.File
	nextFD := 3
	for scope, b := range c.bound {
		extraFiles = append(extraFiles, b.File())
		fds.Listeners[scope] = nextFD
		nextFD++
	}
	extraFiles = append(extraFiles, c.region.File())
	fds.StatsFD = nextFD

	cmd := exec.Command(c.exePath, os.Args[1:]...)
	cmd.Env = append(append([]string{}, os.Environ()...),
		RespawnFDEnv+"="+fds.Encode(),
		RespawnOldPIDEnv+"="+strconv.Itoa(os.Getpid()),
	)
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("respawn: %w", err)
	}
	log.NOTICE("respawned new parent process", "pid", cmd.Process.Pid)
	return nil
}

// Shutdown stops every supervised sub-instance and daemon, waiting up to
// timeout for children to exit gracefully before force-killing stragglers,
// then unmaps the stats region and removes the pid file.
func (c *ParentController) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	cancel := c.cancel
	supervisors := append([]*WorkerSupervisor{}, c.supervisors...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var wg sync.WaitGroup
	for _, sv := range supervisors {
		wg.Add(1)
		go func(sv *WorkerSupervisor) {
			defer wg.Done()
			sv.Shutdown(syscall.SIGTERM, timeout)
		}(sv)
	}
	wg.Wait()

	for _, b := range c.bound {
		b.Close()
	}
	c.region.Close()
	pidfile.Remove(c.plan.PidFile)
}

// Status renders a one-line summary per supervised sub-instance/daemon, the
// backing text for the control socket's "status" verb.
func (c *ParentController) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.supervisors) == 0 {
		return "no supervised sub-instances"
	}
	var lines []string
	for _, sv := range c.supervisors {
		lines = append(lines, fmt.Sprintf("%s:%s workers=%d", sv.kind, sv.name, sv.count))
	}
	return strings.Join(lines, "\n")
}

// ProcCommand builds the control-socket command wired to this controller's
// own Reload/Respawn/Shutdown/Status methods.
func (c *ParentController) ProcCommand() *ProcCommand {
	return &ProcCommand{
		OnReload:  c.Reload,
		OnRespawn: func() { _ = c.Respawn() },
		OnStop:    c.Shutdown,
		OnStatus:  c.Status,
	}
}
