// Package dispatch wires a frozen plan.LaunchPlan's resolved HandlerSpecs
// into live WSGI chains, TCP/UDP handlers and daemon bodies inside a
// worker or daemon process, then drives the per-connection/datagram/request
// dispatch loop spec §4.5 describes. It is the worker-side counterpart to
// internal/plan, which does the equivalent resolution in the parent at
// plan-freeze time but never instantiates anything.
package dispatch

import (
	"fmt"
	"net/http"

	"github.com/gholt/brimd/internal/plan"
	"github.com/gholt/brimd/internal/registry"
)

// builtin404 terminates every WSGI chain, matching
// _examples/One-com-ozone/handler.go's staticHandlers["NotFound"] default.
type builtin404 struct{}

func (builtin404) ServeWSGI(ctx *registry.RequestContext, w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// BuildWSGIChain re-resolves each HandlerSpec's factory (already looked up
// once in the parent during plan.Load, but the registry only lives in
// process memory so a re-exec'd worker must look it up again) and wires the
// chain tail-first so NewWSGI's "next" argument is always already built.
func BuildWSGIChain(specs []plan.HandlerSpec) (registry.WSGILink, error) {
	var next registry.WSGILink = builtin404{}
	for i := len(specs) - 1; i >= 0; i-- {
		spec := specs[i]
		factory, err := registry.LookupWSGI(spec.FactoryPath)
		if err != nil {
			return nil, fmt.Errorf("building wsgi chain at %q: %w", spec.Name, err)
		}
		link, err := factory.NewWSGI(spec.Name, spec.ParsedConf, next)
		if err != nil {
			return nil, fmt.Errorf("building wsgi handler %q: %w", spec.Name, err)
		}
		next = link
	}
	return next, nil
}

// BuildTCPHandler resolves and constructs the single handler a [tcp]
// sub-instance dispatches every accepted connection to.
func BuildTCPHandler(spec plan.HandlerSpec) (registry.TCPHandler, error) {
	factory, err := registry.LookupTCP(spec.FactoryPath)
	if err != nil {
		return nil, fmt.Errorf("building tcp handler %q: %w", spec.Name, err)
	}
	return factory.NewTCP(spec.Name, spec.ParsedConf)
}

// BuildUDPHandler resolves and constructs the single handler a [udp]
// sub-instance dispatches every received datagram to.
func BuildUDPHandler(spec plan.HandlerSpec) (registry.UDPHandler, error) {
	factory, err := registry.LookupUDP(spec.FactoryPath)
	if err != nil {
		return nil, fmt.Errorf("building udp handler %q: %w", spec.Name, err)
	}
	return factory.NewUDP(spec.Name, spec.ParsedConf)
}

// BuildDaemonBody resolves and constructs the body a daemon process runs.
func BuildDaemonBody(spec plan.HandlerSpec) (registry.DaemonBody, error) {
	factory, err := registry.LookupDaemon(spec.FactoryPath)
	if err != nil {
		return nil, fmt.Errorf("building daemon %q: %w", spec.Name, err)
	}
	return factory.NewDaemon(spec.Name, spec.ParsedConf)
}
