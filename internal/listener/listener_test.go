package listener

import (
	"net"
	"testing"

	launcherrors "github.com/gholt/brimd/internal/errors"
)

func TestBindTCPThenAccept(t *testing.T) {
	bound, err := BindTCP(launcherrors.Section("tcp#test"), "127.0.0.1", 0, DefaultTCPOptions, 0)
	if err != nil {
		t.Fatalf("BindTCP: %v", err)
	}
	defer bound.Close()

	ln, err := FromFile(bound.File())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	defer ln.Close()

	if ln.Addr().(*net.TCPAddr).Port == 0 {
		t.Errorf("expected an ephemeral port to have been assigned")
	}
}

func TestBindUDPThenSend(t *testing.T) {
	bound, err := BindUDP(launcherrors.Section("udp#test"), "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("BindUDP: %v", err)
	}
	defer bound.Close()

	pc, err := PacketConnFromFile(bound.File())
	if err != nil {
		t.Fatalf("PacketConnFromFile: %v", err)
	}
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	if addr.Port == 0 {
		t.Errorf("expected an ephemeral port to have been assigned")
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 16)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q, want %q", buf[:n], "ping")
	}
}

func TestBindTCPRetryExhaustedReturnsBindError(t *testing.T) {
	first, err := BindTCP(launcherrors.Section("tcp#busy"), "127.0.0.1", 0, DefaultTCPOptions, 0)
	if err != nil {
		t.Fatalf("BindTCP: %v", err)
	}
	defer first.Close()
	port := first.Addr()
	_ = port

	ln, err := FromFile(first.File())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	defer ln.Close()
	busyPort := ln.Addr().(*net.TCPAddr).Port

	_, err = BindTCP(launcherrors.Section("tcp#busy"), "127.0.0.1", busyPort, DefaultTCPOptions, 1)
	if err == nil {
		t.Fatal("expected bind on an already-bound port to fail")
	}
	var bindErr *launcherrors.BindError
	if !asBindError(err, &bindErr) {
		t.Errorf("expected a *errors.BindError, got %T: %v", err, err)
	}
}

func TestBindUDPDoesNotRetry(t *testing.T) {
	first, err := BindUDP(launcherrors.Section("udp#busy"), "127.0.0.1", 0)
	if err != nil {
		t.Fatalf("BindUDP: %v", err)
	}
	defer first.Close()

	pc, err := PacketConnFromFile(first.File())
	if err != nil {
		t.Fatalf("PacketConnFromFile: %v", err)
	}
	defer pc.Close()
	busyPort := pc.LocalAddr().(*net.UDPAddr).Port

	_, err = BindUDP(launcherrors.Section("udp#busy"), "127.0.0.1", busyPort)
	if err == nil {
		t.Fatal("expected bind on an already-bound UDP port to fail")
	}
	var bindErr *launcherrors.BindError
	if !asBindError(err, &bindErr) {
		t.Errorf("expected a *errors.BindError, got %T: %v", err, err)
	}
}

func asBindError(err error, target **launcherrors.BindError) bool {
	be, ok := err.(*launcherrors.BindError)
	if !ok {
		return false
	}
	*target = be
	return true
}
