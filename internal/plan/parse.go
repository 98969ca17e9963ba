package plan

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gholt/brimd/internal/codec"
	launcherrors "github.com/gholt/brimd/internal/errors"
	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

const (
	defaultBacklog     = 4096
	defaultListenRetry = 30
	defaultChunkSize   = 4096
)

// Load parses conf into a frozen LaunchPlan: every [wsgi]/[tcp]/[udp]
// section becomes a Sub-instance, [daemons] becomes a DaemonSpec list, and
// every handler/daemon's ParseConf/StatsConf hooks run here, in the parent,
// before any fork — a ConfigError or FactoryInitError at this stage aborts
// startup with no child process created (spec §4.1 step 1, §8's startup
// atomicity property).
func Load(conf *iniconf.Conf) (*LaunchPlan, error) {
	p := &LaunchPlan{
		Declared: make(map[string][]stats.Declaration),
		JSON:     codec.Default,
	}

	p.User = conf.GetString("brim", "user", "")
	p.Group = conf.GetString("brim", "group", "")
	if umaskStr := conf.GetString("brim", "umask", "0022"); umaskStr != "" {
		um, err := strconv.ParseUint(umaskStr, 8, 32)
		if err != nil {
			return nil, launcherrors.NewConfigError("brim", fmt.Errorf("umask %q: %w", umaskStr, err))
		}
		p.Umask = int(um)
	}
	p.PidFile = conf.GetString("brim", "pid_file", "./brimd.pid")
	p.LogName = conf.GetString("brim", "log_name", "brimd")
	p.LogLevel = conf.GetString("brim", "log_level", "NOTICE")
	p.LogFacility = conf.GetString("brim", "log_facility", "local0")
	p.ControlSocket = conf.GetString("brim", "control_socket", "./brimd-control.sock")
	if to, err := conf.GetInt("brim", "shutdown_timeout", 60); err != nil {
		return nil, launcherrors.NewConfigError("brim", err)
	} else {
		p.ShutdownTimeout = time.Duration(to) * time.Second
	}

	planner := stats.NewPlanner()

	wsgiNames := sortedSections(conf, "wsgi")
	for _, name := range wsgiNames {
		w, err := loadWSGI(conf, name, planner)
		if err != nil {
			return nil, err
		}
		p.WSGI = append(p.WSGI, w)
		p.Declared[ScopePrefix("wsgi", name)] = wsgiDeclared(w)
	}

	tcpNames := sortedSections(conf, "tcp")
	for _, name := range tcpNames {
		t, err := loadTCP(conf, name, planner)
		if err != nil {
			return nil, err
		}
		p.TCP = append(p.TCP, t)
		p.Declared[ScopePrefix("tcp", name)] = listenerDeclared(t.Handler.Declared)
	}

	udpNames := sortedSections(conf, "udp")
	for _, name := range udpNames {
		u, err := loadUDP(conf, name, planner)
		if err != nil {
			return nil, err
		}
		p.UDP = append(p.UDP, u)
		p.Declared[ScopePrefix("udp", name)] = listenerDeclared(u.Handler.Declared)
	}

	daemonNames := conf.GetList("daemons", "daemons")
	for _, name := range daemonNames {
		d, err := loadDaemon(conf, name)
		if err != nil {
			return nil, err
		}
		p.Daemons = append(p.Daemons, d)
		decls := daemonDeclared(d.Handler.Declared)
		// A daemon runs as the single worker of its supervisor, so its stats
		// live under worker scope "daemon:<name>:0".
		for _, scope := range stats.WorkerScopes(DaemonScope(name), 1) {
			planner.ReserveAll(scope, decls)
		}
		p.Declared[DaemonScope(name)] = decls
	}

	// Reserve shared-memory slots for every sub-instance's worker scopes,
	// now that worker counts are known (spec §5: offsets assigned once,
	// at plan-freeze time, never reassigned while the parent is alive).
	for _, sub := range p.SubInstances() {
		decls := p.Declared[ScopePrefix(sub.Kind(), sub.InstanceName())]
		n := sub.WorkerCount()
		if n == 0 {
			n = 1 // in-parent mode still occupies worker slot 0
		}
		for _, scope := range stats.WorkerScopes(ScopePrefix(sub.Kind(), sub.InstanceName()), n) {
			planner.ReserveAll(scope, decls)
		}
		// The sub-instance's own overall start_time lives in a second,
		// bare (un-indexed) slot that WorkerSupervisor.Run sets exactly
		// once, before forking any worker, and never touches again — spec
		// §3's overall start_time is "the time the first worker ever
		// started," not a live min recomputed from the per-worker slots
		// above, which reset on every individual worker's restart.
		planner.Reserve(ScopePrefix(sub.Kind(), sub.InstanceName()), stats.ReservedStartTime.Name)
	}

	p.StatsLayout = planner.Freeze()
	return p, nil
}

func sortedSections(conf *iniconf.Conf, family string) []string {
	names := conf.SectionsWithFamily(family)
	sort.Strings(names)
	return names
}

func trackedStatusCodes(conf *iniconf.Conf, section string) ([]int, error) {
	raw := conf.GetList(section, "count_status_codes")
	if len(raw) == 0 {
		return DefaultTrackedStatusCodes, nil
	}
	codes := make([]int, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, launcherrors.NewConfigError(iniconf_section(section), fmt.Errorf("count_status_codes %q: %w", s, err))
		}
		codes = append(codes, n)
	}
	return codes, nil
}

func iniconf_section(name string) launcherrors.Section { return launcherrors.Section(name) }

func loadCommon(conf *iniconf.Conf, name string) (ListenerCommon, error) {
	port, err := conf.GetInt(name, "port", 0)
	if err != nil {
		return ListenerCommon{}, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	if port == 0 {
		return ListenerCommon{}, launcherrors.NewConfigError(iniconf_section(name), fmt.Errorf("missing required option %q", "port"))
	}
	backlog, err := conf.GetInt(name, "backlog", defaultBacklog)
	if err != nil {
		return ListenerCommon{}, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	retry, err := conf.GetInt(name, "listen_retry", defaultListenRetry)
	if err != nil {
		return ListenerCommon{}, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	workers, err := conf.GetInt(name, "workers", 1)
	if err != nil {
		return ListenerCommon{}, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	proctitle, err := conf.GetBool(name, "proctitle", true)
	if err != nil {
		return ListenerCommon{}, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	ip := conf.GetString(name, "ip", "")
	if ip == "" || ip == "*" {
		ip = "0.0.0.0"
	}
	return ListenerCommon{
		Name:        name,
		Address:     ip,
		Port:        port,
		Workers:     workers,
		Backlog:     backlog,
		ListenRetry: retry,
		CertFile:    conf.GetString(name, "certfile", ""),
		KeyFile:     conf.GetString(name, "keyfile", ""),
		Proctitle:   proctitle,
	}, nil
}

func loadWSGI(conf *iniconf.Conf, name string, planner *stats.Planner) (*WsgiListener, error) {
	common, err := loadCommon(conf, name)
	if err != nil {
		return nil, err
	}
	timeoutSecs, err := conf.GetFloat(name, "client_timeout", 60)
	if err != nil {
		return nil, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	logHeaders, err := conf.GetBool(name, "log_headers", false)
	if err != nil {
		return nil, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	chunkSize, err := conf.GetInt(name, "wsgi_input_iter_chunk_size", defaultChunkSize)
	if err != nil {
		return nil, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	codes, err := trackedStatusCodes(conf, name)
	if err != nil {
		return nil, err
	}

	w := &WsgiListener{
		ListenerCommon:     common,
		ClientTimeout:      time.Duration(timeoutSecs * float64(time.Second)),
		LogHeaders:         logHeaders,
		InputChunkSize:     chunkSize,
		TrackedStatusCodes: codes,
	}

	apps := conf.GetList(name, "apps")
	if len(apps) == 0 {
		return nil, launcherrors.NewConfigError(iniconf_section(name), fmt.Errorf("no apps configured"))
	}
	seen := map[string]bool{}
	for _, appName := range apps {
		if seen[appName] {
			return nil, launcherrors.NewConfigError(iniconf_section(name), fmt.Errorf("handler cycle: %s configured twice in chain", appName))
		}
		seen[appName] = true
		spec, err := resolveWSGISpec(conf, appName)
		if err != nil {
			return nil, err
		}
		w.Chain = append(w.Chain, spec)
	}
	return w, nil
}

func resolveWSGISpec(conf *iniconf.Conf, appName string) (HandlerSpec, error) {
	factoryPath := conf.GetString(appName, "call", "")
	if factoryPath == "" {
		return HandlerSpec{}, launcherrors.NewConfigError(iniconf_section(appName), fmt.Errorf("missing required option %q", "call"))
	}
	factory, err := registry.LookupWSGI(factoryPath)
	if err != nil {
		return HandlerSpec{}, launcherrors.NewConfigError(iniconf_section(appName), err)
	}
	spec := HandlerSpec{Name: appName, FactoryPath: factoryPath}
	if parser, ok := factory.(registry.ConfParser); ok {
		parsed, err := parser.ParseConf(appName, conf)
		if err != nil {
			return HandlerSpec{}, launcherrors.NewFactoryInitError(iniconf_section(appName), err)
		}
		spec.ParsedConf = parsed
	} else {
		spec.ParsedConf = conf
	}
	if declarer, ok := factory.(registry.StatsDeclarer); ok {
		decls, err := declarer.StatsConf(appName, conf)
		if err != nil {
			return HandlerSpec{}, launcherrors.NewFactoryInitError(iniconf_section(appName), err)
		}
		spec.Declared = decls
	}
	return spec, nil
}

func loadTCP(conf *iniconf.Conf, name string, planner *stats.Planner) (*TcpListener, error) {
	common, err := loadCommon(conf, name)
	if err != nil {
		return nil, err
	}
	handler, err := resolveSimpleSpec(conf, name, func(path string) (interface{}, error) {
		return registry.LookupTCP(path)
	})
	if err != nil {
		return nil, err
	}
	return &TcpListener{ListenerCommon: common, Handler: handler}, nil
}

func loadUDP(conf *iniconf.Conf, name string, planner *stats.Planner) (*UdpListener, error) {
	common, err := loadCommon(conf, name)
	if err != nil {
		return nil, err
	}
	// UDP worker fan-out is always forced to 1 (spec §3, Open Question ii):
	// no SO_REUSEPORT port-sharing support is implemented.
	common.Workers = 1
	handler, err := resolveSimpleSpec(conf, name, func(path string) (interface{}, error) {
		return registry.LookupUDP(path)
	})
	if err != nil {
		return nil, err
	}
	return &UdpListener{ListenerCommon: common, Handler: handler}, nil
}

func loadDaemon(conf *iniconf.Conf, name string) (*DaemonSpec, error) {
	handler, err := resolveSimpleSpec(conf, name, func(path string) (interface{}, error) {
		return registry.LookupDaemon(path)
	})
	if err != nil {
		return nil, err
	}
	return &DaemonSpec{Name: name, Handler: handler}, nil
}

// resolveSimpleSpec resolves the "call" factory for a TCP/UDP/daemon
// section and runs its optional hooks. lookup is injected so this one
// function serves all three variants despite their distinct factory
// interfaces.
func resolveSimpleSpec(conf *iniconf.Conf, name string, lookup func(string) (interface{}, error)) (HandlerSpec, error) {
	factoryPath := conf.GetString(name, "call", "")
	if factoryPath == "" {
		return HandlerSpec{}, launcherrors.NewConfigError(iniconf_section(name), fmt.Errorf("missing required option %q", "call"))
	}
	factory, err := lookup(factoryPath)
	if err != nil {
		return HandlerSpec{}, launcherrors.NewConfigError(iniconf_section(name), err)
	}
	spec := HandlerSpec{Name: name, FactoryPath: factoryPath}
	if parser, ok := factory.(registry.ConfParser); ok {
		parsed, err := parser.ParseConf(name, conf)
		if err != nil {
			return HandlerSpec{}, launcherrors.NewFactoryInitError(iniconf_section(name), err)
		}
		spec.ParsedConf = parsed
	} else {
		spec.ParsedConf = conf
	}
	if declarer, ok := factory.(registry.StatsDeclarer); ok {
		decls, err := declarer.StatsConf(name, conf)
		if err != nil {
			return HandlerSpec{}, launcherrors.NewFactoryInitError(iniconf_section(name), err)
		}
		spec.Declared = decls
	}
	return spec, nil
}

// wsgiDeclared computes the full reserved+custom stat-declaration set for a
// WSGI sub-instance's worker scope, per spec §3's invariants.
func wsgiDeclared(w *WsgiListener) []stats.Declaration {
	decls := []stats.Declaration{stats.ReservedStartTime, stats.ReservedRequestCount, stats.ReservedRestartCount}
	decls = append(decls, stats.StatusDeclarations(w.TrackedStatusCodes)...)
	for _, link := range w.Chain {
		decls = append(decls, link.Declared...)
	}
	return decls
}

// listenerDeclared computes the reserved+custom set for a TCP/UDP
// sub-instance's worker scope.
func listenerDeclared(custom []stats.Declaration) []stats.Declaration {
	decls := []stats.Declaration{stats.ReservedStartTime, stats.ReservedRequestCount, stats.ReservedRestartCount}
	decls = append(decls, custom...)
	return decls
}

// daemonDeclared computes the reserved+custom set for a daemon's scope. A
// daemon has no worker fan-out and no request loop, so it does not reserve
// start_time/request_count (spec's "Each Sub-instance" scoping excludes
// daemons for those two), but WorkerSupervisor still restarts a daemon that
// exits and bumps subprocess_restart_count for every scope it supervises
// including daemon ones (spec's restart-count invariant applies to every
// Sub-instance/DaemonSpec alike), so that reservation must exist here too.
func daemonDeclared(custom []stats.Declaration) []stats.Declaration {
	decls := []stats.Declaration{stats.ReservedRestartCount}
	decls = append(decls, custom...)
	return decls
}
