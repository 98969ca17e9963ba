// Command brimd is the launcher's own entrypoint: parsed once per process,
// it either becomes the Parent Controller (binding listeners, creating the
// stats region, forking a WorkerSupervisor per sub-instance/daemon, serving
// the control socket) or a worker/daemon child (decoding its ChildSpec from
// the environment, building its dispatch chain and running its accept/recv
// loop), depending on whether internal/supervisor.WorkerEnv is set — the
// re-exec marker _examples/other_examples/oarkflow-go-app__prefork.go uses
// for the same purpose. Parent-mode verb handling mirrors
// _examples/original_source/brim/server.py's start/stop/restart/reload/
// force-reload/shutdown/status/no-daemon CLI, remapped onto this launcher's
// signal-based primitives (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/netutil/reaper"
	"github.com/One-com/gone/sd"
	"github.com/One-com/gone/signals"

	"github.com/gholt/brimd/internal/codec"
	"github.com/gholt/brimd/internal/dispatch"
	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/listener"
	"github.com/gholt/brimd/internal/pidfile"
	"github.com/gholt/brimd/internal/plan"
	"github.com/gholt/brimd/internal/stats"
	"github.com/gholt/brimd/internal/supervisor"

	_ "github.com/gholt/brimd/daemons/sample"
	_ "github.com/gholt/brimd/handlers/basicauth"
	_ "github.com/gholt/brimd/handlers/echo"
	_ "github.com/gholt/brimd/handlers/ratelimit"
	"github.com/gholt/brimd/handlers/statsreport"
)

func main() {
	confPath := flag.String("c", "./brimd.conf", "path to the launcher's INI config file")
	pidOverride := flag.String("p", "", "override the configured pid file path")
	workerFlag := flag.Bool("worker", false, "internal: this process is a re-exec'd worker/daemon child")
	flag.Parse()

	log.Minimal()

	if os.Getenv(supervisor.WorkerEnv) != "" || *workerFlag {
		if err := runWorker(*confPath); err != nil {
			log.CRIT("worker exiting on error", "err", err)
			os.Exit(1)
		}
		return
	}

	verb := "no-daemon"
	if flag.NArg() > 0 {
		verb = flag.Arg(0)
	}

	if err := runParentVerb(*confPath, *pidOverride, verb); err != nil {
		fmt.Fprintln(os.Stderr, "brimd:", err)
		os.Exit(1)
	}
}

// runWorker is the re-exec'd child's entire lifetime: decode which
// sub-instance/daemon and worker index it is, rebuild the frozen plan from
// the same config file its parent read, re-resolve its handler chain from
// the registry (which only lives in this process's memory — spec §4.5's
// factories are never serialized across the exec boundary), remap the
// inherited listener and stats region, then run until asked to stop.
func runWorker(confPath string) error {
	spec, err := supervisor.DecodeChildSpec(os.Getenv(supervisor.WorkerEnv))
	if err != nil {
		return err
	}

	conf, err := iniconf.ReadFile(confPath)
	if err != nil {
		return err
	}
	p, err := plan.Load(conf)
	if err != nil {
		return err
	}

	region, err := stats.OpenRegion(p.StatsLayout, uintptr(spec.StatsFD))
	if err != nil {
		return fmt.Errorf("mapping inherited stats region: %w", err)
	}
	defer region.Close()
	statsreport.Configure(p, region, launchStartTime())

	scopePrefix := scopePrefixFor(spec.Kind, spec.Name)
	handle := region.HandleFor(fmt.Sprintf("%s:%d", scopePrefix, spec.WorkerID))

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	signals.RunSignalHandler(signals.Mappings{
		syscall.SIGTERM: func() { close(done); cancel() },
		syscall.SIGINT:  func() { close(done); cancel() },
	})

	switch spec.Kind {
	case "wsgi":
		sub, err := p.FindWSGI(spec.Name)
		if err != nil {
			return err
		}
		return runWSGIWorker(ctx, sub, spec, handle, p.JSON)
	case "tcp":
		sub, err := p.FindTCP(spec.Name)
		if err != nil {
			return err
		}
		return runTCPWorker(ctx, sub, spec, handle)
	case "udp":
		sub, err := p.FindUDP(spec.Name)
		if err != nil {
			return err
		}
		return runUDPWorker(ctx, sub, spec, handle)
	case "daemon":
		d, err := p.FindDaemon(spec.Name)
		if err != nil {
			return err
		}
		return runDaemonWorker(d, handle, done)
	default:
		return fmt.Errorf("unknown child kind %q", spec.Kind)
	}
}

// launchStartTime reads the one parent process's own startup timestamp from
// the environment the parent set before re-execing this worker
// (supervisor.LaunchStartTimeEnv), falling back to this process's own start
// time only if the worker was invoked directly with no parent (e.g. -worker
// for local testing) rather than through the normal re-exec path.
func launchStartTime() int64 {
	if raw := os.Getenv(supervisor.LaunchStartTimeEnv); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return time.Now().Unix()
}

func scopePrefixFor(kind, name string) string {
	if kind == "daemon" {
		return plan.DaemonScope(name)
	}
	return plan.ScopePrefix(kind, name)
}

func runWSGIWorker(ctx context.Context, sub *plan.WsgiListener, spec supervisor.ChildSpec, handle *stats.Handle, jsonCodec codec.Pair) error {
	chain, err := dispatch.BuildWSGIChain(sub.Chain)
	if err != nil {
		return err
	}

	ln, err := inheritedListener(spec)
	if err != nil {
		return err
	}
	if sub.CertFile != "" && sub.KeyFile != "" {
		ln, err = listener.WrapTLS(ln, sub.CertFile, sub.KeyFile)
		if err != nil {
			return err
		}
	}
	if sub.IOActivityTimeout > 0 {
		ln = reaper.NewIOActivityTimeoutListener(ln, sub.IOActivityTimeout, sub.IOActivityTimeout)
	}

	handler := dispatch.NewHandler(chain, handle, jsonCodec)
	logged := dispatch.WrapAccessLog(handler, handle, sub.TrackedStatusCodes)

	srv := &http.Server{
		Handler:     logged,
		ReadTimeout: sub.ClientTimeout,
	}
	if sub.IOActivityTimeout > 0 {
		srv.ConnState = func(c net.Conn, state http.ConnState) {
			reaper.IOActivityTimeout(c, state == http.StateActive)
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runTCPWorker(ctx context.Context, sub *plan.TcpListener, spec supervisor.ChildSpec, handle *stats.Handle) error {
	h, err := dispatch.BuildTCPHandler(sub.Handler)
	if err != nil {
		return err
	}
	ln, err := inheritedListener(spec)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	return dispatch.AcceptLoop(ln, h, handle, sub.Name)
}

func runUDPWorker(ctx context.Context, sub *plan.UdpListener, spec supervisor.ChildSpec, handle *stats.Handle) error {
	h, err := dispatch.BuildUDPHandler(sub.Handler)
	if err != nil {
		return err
	}
	pc, err := listener.PacketConnFromFile(os.NewFile(uintptr(spec.ListenerFD), sub.Name))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	return dispatch.RecvLoop(pc, h, handle, sub.Name)
}

func runDaemonWorker(d *plan.DaemonSpec, handle *stats.Handle, done <-chan struct{}) error {
	body, err := dispatch.BuildDaemonBody(d.Handler)
	if err != nil {
		return err
	}
	return dispatch.RunDaemon(body, handle, d.Name, done)
}

func inheritedListener(spec supervisor.ChildSpec) (net.Listener, error) {
	if spec.ListenerFD == 0 {
		return nil, fmt.Errorf("child spec for %s:%s carries no listener fd", spec.Kind, spec.Name)
	}
	return listener.FromFile(os.NewFile(uintptr(spec.ListenerFD), fmt.Sprintf("%s:%s", spec.Kind, spec.Name)))
}

// runParentVerb implements the foreground launcher's CLI verb dispatch.
// Unlike brim/server.py, there is no fork()/setsid() daemonizing step:
// gone/daemon's own design note is "To not use the fork()/setsid()/fork()
// ritual to daemonize... Notify the init system about startup completion
// instead", so every verb here either runs the parent in the foreground
// ("start"/"no-daemon") or signals an already-running one by pid
// ("stop"/"shutdown"/"restart"/"reload"/"force-reload"/"status").
func runParentVerb(confPath, pidOverride, verb string) error {
	conf, err := iniconf.ReadFile(confPath)
	if err != nil {
		return err
	}
	p, err := plan.Load(conf)
	if err != nil {
		return err
	}
	pidPath := p.PidFile
	if pidOverride != "" {
		pidPath = pidOverride
	}

	switch verb {
	case "status":
		fmt.Println(statusMessage(pidPath))
		return nil
	case "dumpconfig":
		p.Dump(os.Stdout)
		return nil
	case "stop":
		return signalRunning(pidPath, syscall.SIGINT, "stop")
	case "shutdown":
		return signalRunning(pidPath, syscall.SIGTERM, "shutdown")
	case "restart":
		// restart swaps in a brand-new parent process (new pid) that
		// inherits every already-bound socket, the external-observer
		// contract of "stop then start" without ever unbinding a port.
		return signalRunning(pidPath, syscall.SIGUSR2, verb)
	case "reload", "force-reload":
		// reload restarts every worker, and each one re-reads the config
		// file as it starts back up, the SIGHUP-equivalent behavior per
		// spec's Open Question (i); it never replaces the parent process
		// itself, so its sockets and stats layout stay as they are.
		return signalRunning(pidPath, syscall.SIGHUP, verb)
	case "start", "no-daemon":
		if verb == "start" {
			if existingPid, running := livePid(pidPath); running {
				return fmt.Errorf("%d already running", existingPid)
			}
		}
		return runParentForeground(confPath, p, pidPath, verb == "no-daemon")
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

// livePid mirrors brim/server.py's _send_pid_sig liveness probe: a pid on
// record that fails kill(pid, 0) is treated the same as no pid on record.
func livePid(pidPath string) (int, bool) {
	pid, err := pidfile.Read(pidPath)
	if err != nil || pid == 0 {
		return 0, false
	}
	return pid, pidfile.IsRunning(pid)
}

// statusMessage reproduces brim/server.py's three status message shapes:
// "<pid> is running", "<pid> is not running" (stale pid file) and "not
// running" (no pid file at all).
func statusMessage(pidPath string) string {
	pid, err := pidfile.Read(pidPath)
	if err != nil || pid == 0 {
		return "not running"
	}
	if pidfile.IsRunning(pid) {
		return fmt.Sprintf("%d is running", pid)
	}
	return fmt.Sprintf("%d is not running", pid)
}

func signalRunning(pidPath string, sig syscall.Signal, verb string) error {
	if _, running := livePid(pidPath); !running {
		fmt.Println("not running")
		return nil
	}
	if _, err := pidfile.Signal(pidPath, sig); err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	return nil
}

// runParentForeground creates the shared stats region (or adopts its
// predecessor's region and sockets via a respawn handoff), writes the pid
// file (skipped for no-daemon, mirroring brim's "PID files are ignored and
// not created" under that verb), binds every sub-instance's listener,
// drops privileges, starts
// every WorkerSupervisor, wires OS signal handling and the control socket,
// notifies systemd readiness, and blocks until a shutdown signal arrives.
func runParentForeground(confPath string, p *plan.LaunchPlan, pidPath string, noDaemon bool) error {
	exePath, err := os.Executable()
	if err != nil {
		return err
	}

	respawning := os.Getenv(supervisor.RespawnFDEnv) != ""

	var ctl *supervisor.ParentController
	if respawning {
		ctl, err = adoptRespawn(exePath, confPath, p, os.Getenv(supervisor.RespawnFDEnv))
		if err != nil {
			return err
		}
	} else {
		ctl, err = supervisor.NewParentController(exePath, confPath, p)
		if err != nil {
			return err
		}
	}

	// spec's startup order is pidfile (step 2) before sockets (step 3)
	// before privilege drop (step 5): a pidfile that cannot be written fails
	// before any port is bound or root is given up. WritePidFile overwrites
	// any pid on record; a live one is refused earlier by the start verb.
	if !noDaemon {
		if err := ctl.WritePidFile(); err != nil {
			return err
		}
	}

	if !respawning {
		if err := ctl.BindAll(); err != nil {
			return err
		}
	}

	if err := ctl.DropPrivileges(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctl.Start(ctx)

	ctlSockCtx, ctlSockCancel := context.WithCancel(context.Background())
	defer ctlSockCancel()
	go func() {
		if err := supervisor.ServeControlSocket(ctlSockCtx, p.ControlSocket, ctl.ProcCommand()); err != nil {
			log.ERROR("control socket stopped", "err", err)
		}
	}()

	shutdown := make(chan struct{})
	signals.RunSignalHandler(signals.Mappings{
		syscall.SIGINT: func() {
			log.NOTICE("SIGINT received, shutting down gracefully")
			close(shutdown)
		},
		syscall.SIGTERM: func() {
			log.NOTICE("SIGTERM received, shutting down gracefully")
			close(shutdown)
		},
		syscall.SIGHUP: func() {
			ctl.Reload()
		},
		syscall.SIGUSR2: func() {
			if err := ctl.Respawn(); err != nil {
				log.ERROR("respawn failed", "err", err)
			}
		},
		syscall.SIGTTIN: func() { log.IncLevel() },
		syscall.SIGTTOU: func() { log.DecLevel() },
	})

	if oldPidRaw := os.Getenv(supervisor.RespawnOldPIDEnv); oldPidRaw != "" {
		signalOldParent(oldPidRaw)
	}

	sd.Notify(0, "READY=1")
	<-shutdown
	sd.Notify(0, "STOPPING=1")

	cancel()
	ctl.Shutdown(p.ShutdownTimeout)
	return nil
}

func adoptRespawn(exePath, confPath string, p *plan.LaunchPlan, raw string) (*supervisor.ParentController, error) {
	fds, err := supervisor.DecodeRespawnFDs(raw)
	if err != nil {
		return nil, err
	}
	region, err := stats.OpenRegion(p.StatsLayout, uintptr(fds.StatsFD))
	if err != nil {
		return nil, fmt.Errorf("adopting inherited stats region: %w", err)
	}
	ctl := supervisor.NewParentControllerFromRegion(exePath, confPath, p, region)
	ctl.Adopt(fds)
	return ctl, nil
}

func signalOldParent(oldPidRaw string) {
	oldPid, err := strconv.Atoi(oldPidRaw)
	if err != nil {
		log.ERROR("malformed old pid in respawn handoff", "value", oldPidRaw, "err", err)
		return
	}
	log.NOTICE("asking predecessor process to step down", "pid", oldPid)
	if err := syscall.Kill(oldPid, syscall.SIGTERM); err != nil {
		log.ERROR("failed to signal predecessor process", "pid", oldPid, "err", err)
	}
}
