// Package echo provides the launcher's three sample echo handlers — WSGI,
// TCP and UDP — each a minimal starting point for writing a new handler,
// grounded on _examples/original_source/brim's wsgi_echo.py/tcp_echo.py/
// udp_echo.py.
package echo

import (
	"io"
	"net/http"
	"strconv"

	"github.com/One-com/gone/log"

	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

func init() {
	registry.RegisterWSGI("echo.WSGIEcho", wsgiFactory{})
	registry.RegisterTCP("echo.TCPEcho", tcpFactory{})
	registry.RegisterUDP("echo.UDPEcho", udpFactory{})
}

// wsgiConf is wsgi_echo.py's parse_conf result: which path to match and how
// much of the body to echo back.
type wsgiConf struct {
	path    string
	maxEcho int64
}

type wsgiFactory struct{}

func (wsgiFactory) ParseConf(name string, conf *iniconf.Conf) (interface{}, error) {
	maxEcho, err := conf.GetInt(name, "max_echo", 65536)
	if err != nil {
		return nil, err
	}
	return wsgiConf{
		path:    conf.GetString(name, "path", "/echo"),
		maxEcho: int64(maxEcho),
	}, nil
}

func (wsgiFactory) StatsConf(name string, conf *iniconf.Conf) ([]stats.Declaration, error) {
	return []stats.Declaration{{Name: name + ".requests", Kind: stats.Sum}}, nil
}

type wsgiEcho struct {
	name    string
	next    registry.WSGILink
	path    string
	maxEcho int64
}

func (wsgiFactory) NewWSGI(name string, conf interface{}, next registry.WSGILink) (registry.WSGILink, error) {
	c := conf.(wsgiConf)
	return &wsgiEcho{name: name, next: next, path: c.path, maxEcho: c.maxEcho}, nil
}

// ServeWSGI echoes the request body back verbatim when the path matches,
// passing every other request on to next, exactly as wsgi_echo.py does.
func (e *wsgiEcho) ServeWSGI(ctx *registry.RequestContext, w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != e.path {
		e.next.ServeWSGI(ctx, w, r)
		return
	}
	ctx.Stats.Incr(e.name + ".requests")

	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxEcho))
	if err != nil {
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// tcpConf is tcp_echo.py's parse_conf result: the read chunk size.
type tcpConf struct {
	chunkRead int64
}

type tcpFactory struct{}

func (tcpFactory) ParseConf(name string, conf *iniconf.Conf) (interface{}, error) {
	n, err := conf.GetInt(name, "chunk_read", 65536)
	if err != nil {
		return nil, err
	}
	return tcpConf{chunkRead: int64(n)}, nil
}

func (tcpFactory) StatsConf(name string, conf *iniconf.Conf) ([]stats.Declaration, error) {
	return []stats.Declaration{{Name: "byte_count", Kind: stats.Sum}}, nil
}

type tcpEcho struct {
	name      string
	chunkRead int64
}

func (tcpFactory) NewTCP(name string, conf interface{}) (registry.TCPHandler, error) {
	c := conf.(tcpConf)
	return &tcpEcho{name: name, chunkRead: c.chunkRead}, nil
}

// ServeTCP echoes every byte read back to the same connection, matching
// tcp_echo.py's recv/send loop.
func (e *tcpEcho) ServeTCP(ctx *registry.TCPContext) {
	buf := make([]byte, e.chunkRead)
	for {
		n, err := ctx.Conn.Read(buf)
		if n > 0 {
			ctx.Stats.Incr("byte_count")
			if _, werr := ctx.Conn.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	log.NOTICE("served tcp echo connection", "remote", ctx.Conn.RemoteAddr())
}

type udpFactory struct{}

func (udpFactory) ParseConf(name string, conf *iniconf.Conf) (interface{}, error) {
	return nil, nil
}

func (udpFactory) StatsConf(name string, conf *iniconf.Conf) ([]stats.Declaration, error) {
	return []stats.Declaration{{Name: "byte_count", Kind: stats.Sum}}, nil
}

type udpEcho struct{}

func (udpFactory) NewUDP(name string, conf interface{}) (registry.UDPHandler, error) {
	return udpEcho{}, nil
}

// ServeUDP echoes the datagram straight back to its sender, matching
// udp_echo.py's sendto call.
func (udpEcho) ServeUDP(ctx *registry.UDPContext) {
	ctx.Stats.Incr("byte_count")
	if _, err := ctx.Socket.WriteTo(ctx.Data, ctx.Peer); err != nil {
		log.NOTICE("udp echo write failed", "peer", ctx.Peer, "err", err)
		return
	}
	log.NOTICE("served udp echo datagram", "bytes", len(ctx.Data), "peer", ctx.Peer)
}
