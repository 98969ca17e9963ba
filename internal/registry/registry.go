// Package registry is the factory registry keyed by dotted path (spec
// §4.5): "Factories are identified in config by a dotted path string;
// resolution is delegated to an injected resolver (external collaborator)."
// Go has no runtime dotted-path import, so the default Resolver is a static
// map populated by each handler/daemon package's init() calling Register*,
// mirroring _examples/One-com-ozone/handler.go's
// RegisterHTTPHandlerType/staticHandlers pattern.
package registry

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gholt/brimd/internal/codec"
	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/stats"
)

// ConfParser is the optional parse_conf hook (§4.5): run in the parent at
// plan-freeze time, before any fork. A factory that doesn't implement it
// receives the whole raw *iniconf.Conf (every section) as its "parsed"
// config.
type ConfParser interface {
	ParseConf(name string, conf *iniconf.Conf) (interface{}, error)
}

// StatsDeclarer is the optional stats_conf hook (§4.5): run in the parent,
// its result fixed into the LaunchPlan before any fork.
type StatsDeclarer interface {
	StatsConf(name string, conf *iniconf.Conf) ([]stats.Declaration, error)
}

// RequestContext carries the per-request injected entries of §4.5's WSGI
// contract: start timestamp, request id, the mutable extra-log token list,
// the stats write handle and the JSON codec pair. It carries no logger.
type RequestContext struct {
	StartTime time.Time
	RequestID string
	ExtraLog  []string
	Stats     *stats.Handle
	JSON      codec.Pair

	// BytesIn is incremented as the request body is read, mirroring
	// brim/server.py's _WsgiInput byte counter (SPEC_FULL.md §3 supplement).
	BytesIn int64
}

// LogToken appends a token to the request's extra-log list; spaces in
// tokens are escaped to %20 when the access log line is rendered.
func (c *RequestContext) LogToken(token string) {
	c.ExtraLog = append(c.ExtraLog, token)
}

// WSGILink is one entry in a WSGI sub-instance's handler chain (§4.5).
type WSGILink interface {
	ServeWSGI(ctx *RequestContext, w http.ResponseWriter, r *http.Request)
}

// WSGIFactory constructs a WSGILink per worker, wired to the next link in
// its chain.
type WSGIFactory interface {
	NewWSGI(name string, conf interface{}, next WSGILink) (WSGILink, error)
}

// TCPContext is the per-connection argument passed to a TCP handler (§4.5):
// "(sub_instance_handle, stats, socket, peer_addr)". The dispatch loop
// closes the connection once ServeTCP returns.
type TCPContext struct {
	SubInstance string
	Stats       *stats.Handle
	Conn        net.Conn
}

// TCPHandler is invoked once per accepted connection.
type TCPHandler interface {
	ServeTCP(ctx *TCPContext)
}

// TCPFactory constructs a TCPHandler once per worker.
type TCPFactory interface {
	NewTCP(name string, conf interface{}) (TCPHandler, error)
}

// UDPContext is the per-datagram argument passed to a UDP handler (§4.5).
// The handler must not close the shared socket.
type UDPContext struct {
	SubInstance string
	Stats       *stats.Handle
	Socket      net.PacketConn
	Data        []byte
	Peer        net.Addr
}

// UDPHandler is invoked once per received datagram.
type UDPHandler interface {
	ServeUDP(ctx *UDPContext)
}

// UDPFactory constructs a UDPHandler once per worker.
type UDPFactory interface {
	NewUDP(name string, conf interface{}) (UDPHandler, error)
}

// DaemonContext is the argument passed to a daemon body (§4.5):
// "(sub_instance_handle, stats)". Done is closed when the parent signals
// SIGTERM; the body is expected to return promptly afterward.
type DaemonContext struct {
	SubInstance string
	Stats       *stats.Handle
	Done        <-chan struct{}
}

// DaemonBody runs once per process and is expected to run indefinitely
// until ctx.Done is closed.
type DaemonBody interface {
	Run(ctx *DaemonContext) error
}

// DaemonFactory constructs a DaemonBody once per daemon process.
type DaemonFactory interface {
	NewDaemon(name string, conf interface{}) (DaemonBody, error)
}

var (
	mu      sync.Mutex
	wsgi    = map[string]WSGIFactory{}
	tcp     = map[string]TCPFactory{}
	udp     = map[string]UDPFactory{}
	daemons = map[string]DaemonFactory{}
)

// RegisterWSGI makes a WSGI handler factory available under the given
// dotted path for use in a [wsgi] section's "apps" list.
func RegisterWSGI(path string, f WSGIFactory) {
	mu.Lock()
	defer mu.Unlock()
	wsgi[path] = f
}

// RegisterTCP registers a TCP handler factory.
func RegisterTCP(path string, f TCPFactory) {
	mu.Lock()
	defer mu.Unlock()
	tcp[path] = f
}

// RegisterUDP registers a UDP handler factory.
func RegisterUDP(path string, f UDPFactory) {
	mu.Lock()
	defer mu.Unlock()
	udp[path] = f
}

// RegisterDaemon registers a daemon factory.
func RegisterDaemon(path string, f DaemonFactory) {
	mu.Lock()
	defer mu.Unlock()
	daemons[path] = f
}

// LookupWSGI resolves a dotted path to a registered WSGI factory.
func LookupWSGI(path string) (WSGIFactory, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := wsgi[path]
	if !ok {
		return nil, fmt.Errorf("no such WSGI handler: %s", path)
	}
	return f, nil
}

// LookupTCP resolves a dotted path to a registered TCP factory.
func LookupTCP(path string) (TCPFactory, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := tcp[path]
	if !ok {
		return nil, fmt.Errorf("no such TCP handler: %s", path)
	}
	return f, nil
}

// LookupUDP resolves a dotted path to a registered UDP factory.
func LookupUDP(path string) (UDPFactory, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := udp[path]
	if !ok {
		return nil, fmt.Errorf("no such UDP handler: %s", path)
	}
	return f, nil
}

// LookupDaemon resolves a dotted path to a registered daemon factory.
func LookupDaemon(path string) (DaemonFactory, error) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := daemons[path]
	if !ok {
		return nil, fmt.Errorf("no such daemon: %s", path)
	}
	return f, nil
}
