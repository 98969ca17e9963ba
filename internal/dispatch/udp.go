package dispatch

import (
	"errors"
	"net"

	"github.com/One-com/gone/log"

	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

// maxDatagramSize is the read buffer size for a [udp] sub-instance's recv
// loop; large enough for any realistic UDP payload without needing
// per-read allocation tuning.
const maxDatagramSize = 65536

// RecvLoop runs a [udp] sub-instance's receive loop: each datagram is
// handed to its own goroutine so a slow handler cannot stall the next
// recv (spec §5's REDESIGN — goroutines stand in for the green-thread
// runtime). The handler must not close socket; RecvLoop owns it. The loop
// returns when socket is closed, the signal for a cooperative shutdown.
func RecvLoop(socket net.PacketConn, handler registry.UDPHandler, statsHandle *stats.Handle, subInstance string) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := socket.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		statsHandle.Incr("request_count")
		go serveDatagram(socket, handler, statsHandle, subInstance, data, peer)
	}
}

func serveDatagram(socket net.PacketConn, handler registry.UDPHandler, statsHandle *stats.Handle, subInstance string, data []byte, peer net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			log.ERROR("udp handler panic", "sub_instance", subInstance, "peer", peer, "panic", r)
		}
	}()
	ctx := &registry.UDPContext{
		SubInstance: subInstance,
		Stats:       statsHandle,
		Socket:      socket,
		Data:        data,
		Peer:        peer,
	}
	handler.ServeUDP(ctx)
}
