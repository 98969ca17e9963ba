package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brimd.pid")
	if err := Write(path, 4242); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pid, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestReadMissingFileReturnsZero(t *testing.T) {
	pid, err := Read(filepath.Join(t.TempDir(), "absent.pid"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != 0 {
		t.Errorf("pid = %d, want 0", pid)
	}
}

func TestDashDisablesPidfile(t *testing.T) {
	if err := Write("-", 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pid, err := Read("-")
	if err != nil || pid != 0 {
		t.Fatalf("Read(-) = (%d, %v), want (0, nil)", pid, err)
	}
}

func TestIsRunningSelf(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Error("expected the current process to be considered running")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brimd.pid")
	Write(path, 1)
	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}
