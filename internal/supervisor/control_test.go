package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestProcCommandReload(t *testing.T) {
	called := false
	p := &ProcCommand{OnReload: func() { called = true }}
	var buf bytes.Buffer
	_, _, err := p.Invoke(context.Background(), &buf, "proc", []string{"reload"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !called {
		t.Error("expected OnReload to be called")
	}
}

func TestProcCommandStopParsesTimeout(t *testing.T) {
	var got time.Duration
	p := &ProcCommand{OnStop: func(d time.Duration) { got = d }}
	var buf bytes.Buffer
	_, _, err := p.Invoke(context.Background(), &buf, "proc", []string{"stop", "5"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", got)
	}
}

func TestProcCommandUnsupportedVerbReportsInsteadOfPanicking(t *testing.T) {
	p := &ProcCommand{}
	var buf bytes.Buffer
	if _, _, err := p.Invoke(context.Background(), &buf, "proc", []string{"respawn"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if buf.String() == "" {
		t.Error("expected a message explaining respawn is unsupported")
	}
}

func TestServeControlSocketDispatchesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	cmd := &ProcCommand{OnStatus: func() string { return "ok" }}

	go ServeControlSocket(ctx, sockPath, cmd)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("status\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "ok\n" {
		t.Errorf("got %q, want %q", line, "ok\n")
	}
}

func TestProcCommandUnknownVerb(t *testing.T) {
	p := &ProcCommand{}
	var buf bytes.Buffer
	if _, _, err := p.Invoke(context.Background(), &buf, "proc", []string{"frobnicate"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if buf.String() != "unknown action: frobnicate\n" {
		t.Errorf("got %q", buf.String())
	}
}
