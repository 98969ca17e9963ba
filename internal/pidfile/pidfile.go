// Package pidfile implements the parent controller's pid-file bookkeeping:
// write the pid on successful startup, check whether a previously recorded
// pid is still alive via kill(pid, 0), and remove the file on clean exit.
// Grounded on _examples/original_source/brim/server.py's _send_pid_sig,
// generalized from brim's "signal plus liveness probe" helper into the
// three distinct operations the parent controller's verbs need.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	launcherrors "github.com/gholt/brimd/internal/errors"
)

// Write records pid in the file at path, creating or truncating it.
func Write(path string, pid int) error {
	if path == "" || path == "-" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return launcherrors.NewPidfileError(path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return launcherrors.NewPidfileError(path, err)
	}
	return nil
}

// Read parses the pid recorded at path. It returns 0 with no error if the
// file doesn't exist or doesn't contain a usable integer — brim's
// _send_pid_sig treats both as "no daemon believed running" rather than a
// hard failure.
func Read(path string) (int, error) {
	if path == "" || path == "-" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, launcherrors.NewPidfileError(path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// Remove deletes the pid file, ignoring a not-exist error.
func Remove(path string) error {
	if path == "" || path == "-" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return launcherrors.NewPidfileError(path, err)
	}
	return nil
}

// IsRunning reports whether pid is a live process, using kill(pid, 0) as a
// pure liveness probe (no signal is actually delivered), matching
// brim/server.py's `kill(pid, 0)` check.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

// Signal sends sig to the pid recorded at path. It returns the resolved
// pid (0 if none was on record) and any error from either reading the
// file or delivering the signal.
func Signal(path string, sig syscall.Signal) (int, error) {
	pid, err := Read(path)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return pid, launcherrors.NewPidfileError(path, err)
	}
	return pid, nil
}
