// Package listener is the Listener Factory (L3): it acquires the raw TCP
// or UDP socket a sub-instance binds to, with the bind-retry loop and
// socket options spec §4.3 requires, then exposes it as an *os.File so a
// re-exec'd worker can inherit it via os/exec.Cmd.ExtraFiles — the same
// handoff _examples/other_examples/oarkflow-go-app__prefork.go uses for its
// single listener, generalized here to per-sub-instance TCP and UDP
// sockets plus optional TLS.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	launcherrors "github.com/gholt/brimd/internal/errors"
	"golang.org/x/sys/unix"
)

// Bound is an acquired, listening (or UDP-bound) socket plus the file handle
// used to hand it to a re-exec'd worker.
type Bound struct {
	file    *os.File
	addr    string
	network string
}

// NewBound wraps an already-bound (or inherited) socket file as a Bound,
// for a respawned parent adopting its predecessor's listening sockets
// rather than binding its own (see internal/supervisor.ParentController.Respawn).
func NewBound(f *os.File, addr, network string) *Bound {
	return &Bound{file: f, addr: addr, network: network}
}

// File returns the socket's *os.File for ExtraFiles inheritance.
func (b *Bound) File() *os.File { return b.file }

// Addr is the resolved "host:port" the socket is bound to.
func (b *Bound) Addr() string { return b.addr }

// Close closes the underlying file descriptor. Only the parent (or a
// worker that decided not to use an inherited socket) should call this;
// a worker that built a net.Listener/net.PacketConn from the file owns it
// from that point on.
func (b *Bound) Close() error { return b.file.Close() }

// TCPOptions holds bind-time socket options a [tcp]/[wsgi] sub-instance
// may configure (spec §4.3).
type TCPOptions struct {
	Backlog      int
	KeepAlive    bool
	KeepIdleSecs int
}

// DefaultTCPOptions matches brim's historical defaults: keepalive on, idle
// probe after 600s.
var DefaultTCPOptions = TCPOptions{Backlog: 4096, KeepAlive: true, KeepIdleSecs: 600}

// BindTCP opens, configures and listens on a TCP socket, retrying up to
// retries times with a one-second pause between attempts (spec §4.3's bind
// retry behavior, grounded in brim/server.py's listen retry loop). The
// socket is built from raw syscalls rather than net.Listen, the same way
// _examples/other_examples/oarkflow-go-app__prefork.go's createAndBind
// does it, because net.Listen has no way to set a custom backlog. A
// BindError is returned once retries are exhausted.
func BindTCP(section launcherrors.Section, address string, port int, opts TCPOptions, retries int) (*Bound, error) {
	addr := fmt.Sprintf("%s:%d", address, port)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		file, err := bindTCPOnce(addr, address, port, opts)
		if err == nil {
			return &Bound{file: file, addr: addr, network: "tcp"}, nil
		}
		lastErr = err
		if attempt < retries {
			time.Sleep(time.Second)
		}
	}
	return nil, launcherrors.NewBindError(section, addr, lastErr)
}

func bindTCPOnce(addr, address string, port int, opts TCPOptions) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(fd), addr)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		file.Close()
		return nil, err
	}
	if opts.KeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			file.Close()
			return nil, err
		}
		if opts.KeepIdleSecs > 0 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, opts.KeepIdleSecs); err != nil {
				file.Close()
				return nil, err
			}
		}
	}

	ip := net.ParseIP(address)
	var sa unix.SockaddrInet4
	if ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(sa.Addr[:], v4)
		}
	}
	sa.Port = port
	if err := unix.Bind(fd, &sa); err != nil {
		file.Close()
		return nil, err
	}
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// BindUDP opens and configures a UDP socket, binding exactly once: unlike
// BindTCP, spec §4.3 does not retry a UDP bind failure. Only SO_REUSEADDR is
// set; UDP worker fan-out is always 1 so there is no SO_REUSEPORT contention
// to manage (spec §3, Open Question ii).
func BindUDP(section launcherrors.Section, address string, port int) (*Bound, error) {
	addr := fmt.Sprintf("%s:%d", address, port)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, launcherrors.NewBindError(section, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, launcherrors.NewBindError(section, addr, err)
	}
	raw, rerr := conn.SyscallConn()
	if rerr != nil {
		conn.Close()
		return nil, launcherrors.NewBindError(section, addr, rerr)
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if ctrlErr != nil || sockErr != nil {
		conn.Close()
		if ctrlErr != nil {
			return nil, launcherrors.NewBindError(section, addr, ctrlErr)
		}
		return nil, launcherrors.NewBindError(section, addr, sockErr)
	}
	file, ferr := conn.File()
	if ferr != nil {
		conn.Close()
		return nil, launcherrors.NewBindError(section, addr, ferr)
	}
	conn.Close()
	return &Bound{file: file, addr: addr, network: "udp"}, nil
}

// FromFile reconstructs a net.Listener from an inherited fd (worker side
// of the TCP handoff). A worker inherits only its own sub-instance's
// listener, always at fd 3.
func FromFile(f *os.File) (net.Listener, error) {
	return net.FileListener(f)
}

// PacketConnFromFile reconstructs a net.PacketConn from an inherited UDP
// socket fd.
func PacketConnFromFile(f *os.File) (net.PacketConn, error) {
	return net.FilePacketConn(f)
}

// WrapTLS wraps ln with TLS using the given certificate/key pair, per
// spec §4.3's optional TLS termination. golang.org/x/crypto itself is
// wired elsewhere (handlers/basicauth's bcrypt); certificate loading here
// uses the standard crypto/tls, matching ozone/tlsconf's own split between
// stdlib TLS and gone/jconf-driven config parsing.
func WrapTLS(ln net.Listener, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return tls.NewListener(ln, cfg), nil
}
