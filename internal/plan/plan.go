// Package plan builds the frozen LaunchPlan (spec §3's central entity) from
// a parsed *iniconf.Conf: one Sub-instance per [wsgi]/[tcp]/[udp] section
// (and any "#suffix" variants) plus one DaemonSpec per name listed in
// [daemons]'s "daemons" option, with every handler/daemon's ParseConf and
// StatsConf hooks already resolved. Nothing here forks; that is
// internal/supervisor's job once the plan is frozen.
package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gholt/brimd/internal/codec"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

// DefaultTrackedStatusCodes is spec §3's default tracked-status set.
var DefaultTrackedStatusCodes = []int{404, 408, 499, 501}

// HandlerSpec is a resolved (name, factory, parsed config, declared stats)
// tuple for one handler or daemon, fixed at plan-freeze time per spec §3's
// invariant that declarations never change after workers fork.
type HandlerSpec struct {
	Name        string
	FactoryPath string
	ParsedConf  interface{} // result of ParseConf, or the raw *iniconf.Conf
	Declared    []stats.Declaration
}

// ListenerCommon holds the fields shared by WSGI/TCP/UDP sub-instances.
type ListenerCommon struct {
	Name              string // section name, including any "#suffix"
	Address           string
	Port              int
	Workers           int // 0 is treated as 1: one worker process is forked; the loop never runs in the parent
	Backlog           int
	ListenRetry       int
	IOActivityTimeout time.Duration
	CertFile, KeyFile string
	Proctitle         bool
}

// InstanceName returns the sub-instance's configured section name.
func (c ListenerCommon) InstanceName() string { return c.Name }

// WorkerCount returns the configured worker fan-out.
func (c ListenerCommon) WorkerCount() int { return c.Workers }

// WsgiListener is a [wsgi]/[wsgi#suffix] sub-instance: an ordered handler
// chain served over HTTP.
type WsgiListener struct {
	ListenerCommon
	Chain              []HandlerSpec
	ClientTimeout      time.Duration
	LogHeaders         bool
	InputChunkSize     int
	TrackedStatusCodes []int
}

// Kind identifies the sub-instance variant for scope naming and the stats
// JSON's top-level keys.
func (w *WsgiListener) Kind() string { return "wsgi" }

// TcpListener is a [tcp]/[tcp#suffix] sub-instance: a single handler
// invoked per accepted connection.
type TcpListener struct {
	ListenerCommon
	Handler HandlerSpec
}

func (t *TcpListener) Kind() string { return "tcp" }

// UdpListener is a [udp]/[udp#suffix] sub-instance: a single handler
// invoked per received datagram. Worker count is always forced to 1
// (spec §3, Open Question ii); there is no port-sharing option.
type UdpListener struct {
	ListenerCommon
	Handler HandlerSpec
}

func (u *UdpListener) Kind() string { return "udp" }

// SubInstance is the common interface satisfied by all three listener
// variants, enough for the supervisor and stats aggregator to treat them
// uniformly.
type SubInstance interface {
	InstanceName() string
	Kind() string
	WorkerCount() int
}

// DaemonSpec is one [daemons]-listed background service: exactly one
// process, no worker fan-out.
type DaemonSpec struct {
	Name    string
	Handler HandlerSpec
}

// LaunchPlan is frozen after Load returns; nothing mutates it afterward
// (spec §3's "Immutable after parse").
type LaunchPlan struct {
	User, Group string
	Umask       int
	PidFile     string

	LogName     string
	LogLevel    string
	LogFacility string

	JSON codec.Pair

	ControlSocket   string
	ShutdownTimeout time.Duration

	WSGI    []*WsgiListener
	TCP     []*TcpListener
	UDP     []*UdpListener
	Daemons []*DaemonSpec

	// StatsLayout assigns every (scope, name) pair its shared-memory
	// offset; frozen once, for the parent's lifetime (spec §5).
	StatsLayout *stats.Layout

	// Declared maps "<kind>:<sub-instance name>" to that sub-instance's
	// full declared-stat list (reserved defaults plus handler/daemon
	// declarations), the set the read-side aggregator folds over.
	Declared map[string][]stats.Declaration
}

// SubInstances returns every WSGI/TCP/UDP sub-instance as a flat slice of
// the common interface, useful for generic iteration in the supervisor.
func (p *LaunchPlan) SubInstances() []SubInstance {
	var out []SubInstance
	for _, w := range p.WSGI {
		out = append(out, w)
	}
	for _, t := range p.TCP {
		out = append(out, t)
	}
	for _, u := range p.UDP {
		out = append(out, u)
	}
	return out
}

// ScopePrefix returns the stats-scope prefix for one sub-instance, e.g.
// "wsgi:front" for a WSGI sub-instance named "front". Worker index is
// appended by the caller ("wsgi:front:0").
func ScopePrefix(kind, name string) string { return kind + ":" + name }

// DaemonScope returns the stats scope for a daemon, e.g. "daemon:housekeeper".
func DaemonScope(name string) string { return "daemon:" + name }

// ResolveWSGI looks up a chain link's factory by dotted path.
func ResolveWSGI(path string) (registry.WSGIFactory, error) { return registry.LookupWSGI(path) }

// FindWSGI returns the named WSGI sub-instance, the lookup a re-exec'd
// worker does against its own freshly-loaded LaunchPlan (see
// internal/supervisor's ChildSpec) since nothing but the Kind/Name survives
// the exec boundary.
func (p *LaunchPlan) FindWSGI(name string) (*WsgiListener, error) {
	for _, w := range p.WSGI {
		if w.Name == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("no such wsgi sub-instance: %s", name)
}

// FindTCP returns the named TCP sub-instance.
func (p *LaunchPlan) FindTCP(name string) (*TcpListener, error) {
	for _, t := range p.TCP {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no such tcp sub-instance: %s", name)
}

// FindUDP returns the named UDP sub-instance.
func (p *LaunchPlan) FindUDP(name string) (*UdpListener, error) {
	for _, u := range p.UDP {
		if u.Name == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("no such udp sub-instance: %s", name)
}

// dumpView is the JSON-serializable shape LaunchPlan.Dump renders: the plan
// itself carries unexported fields and a codec.Pair of function values that
// don't marshal, so Dump projects onto a plain summary struct instead,
// mirroring ozone/config/config.go's Dump (marshal, json.Indent, trailing
// newline, write to dest).
type dumpView struct {
	User, Group     string
	Umask           int
	PidFile         string
	LogName         string
	LogLevel        string
	LogFacility     string
	ControlSocket   string
	ShutdownTimeout string

	WSGI    []dumpListener `json:",omitempty"`
	TCP     []dumpListener `json:",omitempty"`
	UDP     []dumpListener `json:",omitempty"`
	Daemons []string       `json:",omitempty"`
}

type dumpListener struct {
	Name    string
	Address string
	Port    int
	Workers int
	Apps    []string `json:",omitempty"`
	Call    string   `json:",omitempty"`
}

// Dump renders the frozen plan as indented JSON to dest, for the launcher's
// dry-run/"dump config" diagnostic, the same shape ozone's own
// *Config.Dump(io.Writer) produces from its parsed config.
func (p *LaunchPlan) Dump(dest io.Writer) {
	view := dumpView{
		User:            p.User,
		Group:           p.Group,
		Umask:           p.Umask,
		PidFile:         p.PidFile,
		LogName:         p.LogName,
		LogLevel:        p.LogLevel,
		LogFacility:     p.LogFacility,
		ControlSocket:   p.ControlSocket,
		ShutdownTimeout: p.ShutdownTimeout.String(),
	}
	for _, w := range p.WSGI {
		var apps []string
		for _, link := range w.Chain {
			apps = append(apps, link.Name)
		}
		view.WSGI = append(view.WSGI, dumpListener{Name: w.Name, Address: w.Address, Port: w.Port, Workers: w.Workers, Apps: apps})
	}
	for _, t := range p.TCP {
		view.TCP = append(view.TCP, dumpListener{Name: t.Name, Address: t.Address, Port: t.Port, Workers: t.Workers, Call: t.Handler.FactoryPath})
	}
	for _, u := range p.UDP {
		view.UDP = append(view.UDP, dumpListener{Name: u.Name, Address: u.Address, Port: u.Port, Workers: u.Workers, Call: u.Handler.FactoryPath})
	}
	for _, d := range p.Daemons {
		view.Daemons = append(view.Daemons, d.Name)
	}

	var out bytes.Buffer
	if err := codec.Indent(&out, view); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	out.WriteTo(dest)
}

// FindDaemon returns the named daemon.
func (p *LaunchPlan) FindDaemon(name string) (*DaemonSpec, error) {
	for _, d := range p.Daemons {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no such daemon: %s", name)
}
