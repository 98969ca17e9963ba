package dispatch

import (
	"errors"
	"net"

	"github.com/One-com/gone/log"

	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

// AcceptLoop runs a [tcp] sub-instance's accept loop: one handler
// invocation per accepted connection, each on its own goroutine (spec §5's
// REDESIGN — goroutines stand in for the green-thread runtime). The loop
// returns when ln is closed, the signal for a cooperative worker shutdown.
func AcceptLoop(ln net.Listener, handler registry.TCPHandler, statsHandle *stats.Handle, subInstance string) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isClosedError(err) {
				return nil
			}
			return err
		}
		statsHandle.Incr("request_count")
		go serveTCPConn(conn, handler, statsHandle, subInstance)
	}
}

func serveTCPConn(conn net.Conn, handler registry.TCPHandler, statsHandle *stats.Handle, subInstance string) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.ERROR("tcp handler panic", "sub_instance", subInstance, "remote", conn.RemoteAddr(), "panic", r)
		}
	}()
	ctx := &registry.TCPContext{
		SubInstance: subInstance,
		Stats:       statsHandle,
		Conn:        conn,
	}
	handler.ServeTCP(ctx)
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
