package dispatch

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gholt/brimd/internal/codec"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

type echoLink struct{}

func (echoLink) ServeWSGI(ctx *registry.RequestContext, w http.ResponseWriter, r *http.Request) {
	ctx.LogToken("hello world")
	w.WriteHeader(http.StatusTeapot)
	w.Write([]byte("ok"))
}

func newTestHandle(t *testing.T, scope string, decls []stats.Declaration) *stats.Handle {
	t.Helper()
	p := stats.NewPlanner()
	p.ReserveAll(scope, decls)
	region, err := stats.NewRegion(p.Freeze())
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	return region.HandleFor(scope)
}

func TestNewHandlerDispatchesAndCountsRequest(t *testing.T) {
	h := newTestHandle(t, "wsgi:front:0", []stats.Declaration{stats.ReservedRequestCount})
	handler := NewHandler(echoLink{}, h, codec.Default)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	if rw.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rw.Code, http.StatusTeapot)
	}
	if got := h.Get("request_count"); got != 1 {
		t.Errorf("request_count = %d, want 1", got)
	}
}

type panickingWSGILink struct{}

func (panickingWSGILink) ServeWSGI(ctx *registry.RequestContext, w http.ResponseWriter, r *http.Request) {
	panic("boom")
}

func TestNewHandlerRecoversPanicAndCountsStatus5xx(t *testing.T) {
	h := newTestHandle(t, "wsgi:front:0", []stats.Declaration{
		stats.ReservedRequestCount,
		{Name: "status_5xx_count", Kind: stats.Sum},
		{Name: "status_2xx_count", Kind: stats.Sum},
		{Name: "status_3xx_count", Kind: stats.Sum},
		{Name: "status_4xx_count", Kind: stats.Sum},
	})
	handler := NewHandler(panickingWSGILink{}, h, codec.Default)
	logged := WrapAccessLog(handler, h, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	logged.ServeHTTP(rw, req)

	if rw.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rw.Code, http.StatusInternalServerError)
	}
	if got := h.Get("status_5xx_count"); got != 1 {
		t.Errorf("status_5xx_count = %d, want 1", got)
	}
}

func Test404TerminatorAnswersUnresolvedChain(t *testing.T) {
	rw := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	builtin404{}.ServeWSGI(&registry.RequestContext{}, rw, req)
	if rw.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rw.Code)
	}
}

type echoTCPHandler struct {
	done chan struct{}
}

func (e *echoTCPHandler) ServeTCP(ctx *registry.TCPContext) {
	buf := make([]byte, 4)
	n, _ := ctx.Conn.Read(buf)
	ctx.Conn.Write(buf[:n])
	close(e.done)
}

func TestAcceptLoopDispatchesConnection(t *testing.T) {
	h := newTestHandle(t, "tcp:echo:0", []stats.Declaration{stats.ReservedRequestCount})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	handler := &echoTCPHandler{done: make(chan struct{})}
	go AcceptLoop(ln, handler, h, "echo")

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("ping"))

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo handler")
	}

	if got := h.Get("request_count"); got != 1 {
		t.Errorf("request_count = %d, want 1", got)
	}
}

type countingUDPHandler struct {
	received chan []byte
}

func (c *countingUDPHandler) ServeUDP(ctx *registry.UDPContext) {
	c.received <- ctx.Data
}

func TestRecvLoopDispatchesDatagram(t *testing.T) {
	h := newTestHandle(t, "udp:echo:0", []stats.Declaration{stats.ReservedRequestCount})
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer pc.Close()

	handler := &countingUDPHandler{received: make(chan []byte, 1)}
	go RecvLoop(pc, handler, h, "echo")

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("ping"))

	select {
	case data := <-handler.received:
		if string(data) != "ping" {
			t.Errorf("got %q, want %q", data, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	if got := h.Get("request_count"); got != 1 {
		t.Errorf("request_count = %d, want 1", got)
	}
}

type runOnceDaemon struct {
	ran bool
}

func (d *runOnceDaemon) Run(ctx *registry.DaemonContext) error {
	d.ran = true
	ctx.Stats.Set("iterations", 1)
	return nil
}

func TestRunDaemonInvokesBody(t *testing.T) {
	h := newTestHandle(t, "daemon:x", []stats.Declaration{{Name: "iterations", Kind: stats.Sum}})
	d := &runOnceDaemon{}
	done := make(chan struct{})
	if err := RunDaemon(d, h, "x", done); err != nil {
		t.Fatalf("RunDaemon: %v", err)
	}
	if !d.ran {
		t.Error("expected daemon body to run")
	}
	if got := h.Get("iterations"); got != 1 {
		t.Errorf("iterations = %d, want 1", got)
	}
}

type panickingDaemon struct{}

func (panickingDaemon) Run(ctx *registry.DaemonContext) error {
	panic("boom")
}

func TestRunDaemonRecoversPanic(t *testing.T) {
	h := newTestHandle(t, "daemon:y", nil)
	err := RunDaemon(panickingDaemon{}, h, "y", make(chan struct{}))
	if err == nil {
		t.Fatal("expected an error from a panicking daemon body")
	}
}
