package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/One-com/gone/log"
)

// ProcCommand is the control-socket verb surface for the parent controller,
// the same (syntax, comment)/Usage/Invoke shape as
// _examples/One-com-ozone/proccmd.go's procCommand, which that teacher
// registers with gone/daemon/ctrl.RegisterCommand so gone/daemon.Run's own
// control-socket loop can dispatch to it. This launcher's parent owns a
// fixed worker pool across several re-exec'd processes rather than the
// single in-process server set daemon.Run manages, so there is no
// daemon.Run event loop here to hand the registry to; ServeControlSocket
// below is a small Unix-socket server that plays that role directly,
// dispatching straight to a ProcCommand. Each field is filled in by
// whatever owns the actual ParentController; a nil field answers
// "unsupported" rather than panicking, so tests can register a partial
// command.
type ProcCommand struct {
	OnReload  func()
	OnRespawn func()
	OnStop    func(timeout time.Duration)
	OnStatus  func() string
}

// ShortUsage implements ctrl.Command.
func (p *ProcCommand) ShortUsage() (syntax, comment string) {
	return "[reload|respawn|stop <timeout seconds>|status]", "control the brimd launcher process"
}

// Usage implements ctrl.Command.
func (p *ProcCommand) Usage(cmd string, w io.Writer) {
	fmt.Fprintln(w, cmd, "[reload|respawn|stop <timeout seconds>|status] - control the brimd launcher process")
}

// Invoke implements ctrl.Command. It never returns an async func or a
// persistent string: every verb it understands completes synchronously
// from the control socket's point of view.
func (p *ProcCommand) Invoke(ctx context.Context, w io.Writer, cmd string, args []string) (async func(), persistent string, err error) {
	if len(args) == 0 {
		fmt.Fprintln(w, "missing action")
		return
	}
	switch args[0] {
	case "reload":
		if p.OnReload == nil {
			fmt.Fprintln(w, "reload not supported")
			return
		}
		p.OnReload()
		fmt.Fprintln(w, "reloading")
	case "respawn":
		if p.OnRespawn == nil {
			fmt.Fprintln(w, "respawn not supported")
			return
		}
		p.OnRespawn()
		fmt.Fprintln(w, "respawning")
	case "stop":
		if p.OnStop == nil {
			fmt.Fprintln(w, "stop not supported")
			return
		}
		var timeout time.Duration
		if len(args) > 1 && args[1] != "" {
			secs, perr := strconv.Atoi(args[1])
			if perr != nil {
				err = fmt.Errorf("bad timeout %q: %w", args[1], perr)
				return
			}
			timeout = time.Duration(secs) * time.Second
		}
		p.OnStop(timeout)
		fmt.Fprintln(w, "stopping")
	case "status":
		if p.OnStatus == nil {
			fmt.Fprintln(w, "status not supported")
			return
		}
		fmt.Fprintln(w, p.OnStatus())
	default:
		fmt.Fprintln(w, "unknown action:", args[0])
	}
	return
}

// ServeControlSocket listens on a Unix domain socket at path and dispatches
// each newline-terminated line of input ("verb [args...]") to cmd, writing
// cmd's output back to the same connection before closing it. It returns
// when ctx is canceled or the listener fails.
func ServeControlSocket(ctx context.Context, path string, cmd *ProcCommand) error {
	if path == "" {
		return nil
	}
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", path, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleControlConn(ctx, conn, cmd)
	}
}

func handleControlConn(ctx context.Context, conn net.Conn, cmd *ProcCommand) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return
	}
	if _, _, err := cmd.Invoke(ctx, conn, "proc", fields); err != nil {
		fmt.Fprintln(conn, "error:", err)
		log.ERROR("control socket command failed", "verb", fields[0], "err", err)
	}
}
