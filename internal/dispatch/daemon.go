package dispatch

import (
	"fmt"

	"github.com/One-com/gone/log"

	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

// RunDaemon runs a daemon body to completion, recovering a panic into an
// error the supervisor can classify as a crash and restart on (spec
// §4.2's restart trigger applies equally to daemons, which run exactly one
// process each with no worker fan-out).
func RunDaemon(body registry.DaemonBody, statsHandle *stats.Handle, name string, done <-chan struct{}) error {
	ctx := &registry.DaemonContext{
		SubInstance: name,
		Stats:       statsHandle,
		Done:        done,
	}
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.ERROR("daemon panic", "daemon", name, "panic", r)
				runErr = fmt.Errorf("daemon %s panicked: %v", name, r)
			}
		}()
		runErr = body.Run(ctx)
	}()
	return runErr
}
