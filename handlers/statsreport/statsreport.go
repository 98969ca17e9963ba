// Package statsreport provides the stats-reporter WSGI handler: a JSON
// dump of every declared stat, per sub-instance and per worker, folded
// overall according to each stat's aggregation kind — grounded on
// _examples/original_source/brim/wsgi_stats.py's WSGIStats, whose __call__
// walks "server.subservers"/"server.bucket_stats" to build the same nested
// body this handler renders.
//
// wsgi_stats.py reaches that server object through env['brim'].server,
// something every WSGI app in the same process shares implicitly. This
// handler's worker process maps that same information onto
// internal/plan.LaunchPlan and internal/stats.Region, neither of which
// registry.WSGIFactory.NewWSGI is handed directly (spec §4.5's factory
// contract is only (name, conf, next)); Configure fills that one gap by
// recording the plan/region a worker process resolved once at startup,
// before building its WSGI chain, mirroring the single ambient reference
// wsgi_stats.py relies on.
package statsreport

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gholt/brimd/internal/iniconf"
	"github.com/gholt/brimd/internal/plan"
	"github.com/gholt/brimd/internal/registry"
	"github.com/gholt/brimd/internal/stats"
)

func init() {
	registry.RegisterWSGI("statsreport.WSGIStats", factory{})
}

var (
	mu          sync.Mutex
	activePlan  *plan.LaunchPlan
	activeStats *stats.Region
	startTime   int64
)

// Configure records the frozen plan and live stats region a worker process
// resolved at startup, so any statsreport handler built afterward in this
// process can read across every sub-instance's declared stats, not just its
// own. launchStartTime stands in for wsgi_stats.py's top-level "start_time"
// body key (the overall server's own start time): every worker in a
// generation is handed the one timestamp its parent captured at its own
// startup (supervisor.LaunchStartTimeEnv), not its own spawn time, so the
// reported value is stable across every sub-instance and worker.
func Configure(p *plan.LaunchPlan, region *stats.Region, launchStartTime int64) {
	mu.Lock()
	defer mu.Unlock()
	activePlan = p
	activeStats = region
	startTime = launchStartTime
}

type conf struct {
	path string
}

type factory struct{}

func (factory) ParseConf(name string, c *iniconf.Conf) (interface{}, error) {
	return conf{path: c.GetString(name, "path", "/stats")}, nil
}

type handler struct {
	name string
	next registry.WSGILink
	path string
}

func (factory) NewWSGI(name string, c interface{}, next registry.WSGILink) (registry.WSGILink, error) {
	return &handler{name: name, next: next, path: c.(conf).path}, nil
}

// ServeWSGI renders every sub-instance's and daemon's declared stats as a
// single JSON document when the path matches, object keyed by sub-instance
// type ("wsgi", "tcp", "udp", "daemons"), each nested one level further by
// sub-instance name; any other path is passed on unchanged.
func (h *handler) ServeWSGI(ctx *registry.RequestContext, w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		h.next.ServeWSGI(ctx, w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	mu.Lock()
	p, region, launchStartTime := activePlan, activeStats, startTime
	mu.Unlock()

	body := map[string]interface{}{"start_time": launchStartTime}
	if p != nil && region != nil {
		groups := map[string]map[string]interface{}{}
		for _, sub := range p.SubInstances() {
			kind := sub.Kind()
			if groups[kind] == nil {
				groups[kind] = map[string]interface{}{}
			}
			groups[kind][sub.InstanceName()] = snapshotBody(p, region, plan.ScopePrefix(kind, sub.InstanceName()), sub.WorkerCount())
		}
		if len(p.Daemons) > 0 {
			daemons := map[string]interface{}{}
			for _, d := range p.Daemons {
				daemons[d.Name] = snapshotBody(p, region, plan.DaemonScope(d.Name), 1)
			}
			groups["daemons"] = daemons
		}
		for kind, g := range groups {
			body[kind] = g
		}
	}

	encoded, err := ctx.JSON.Encode(body)
	if err != nil {
		http.Error(w, "stats encode error", http.StatusInternalServerError)
		return
	}
	encoded = append(encoded, '\n')
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(encoded)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(encoded)
}

// snapshotBody folds prefix's declared stats into the nested
// {stat: overall, "0": {stat: value}, "1": {...}} shape each sub-instance's
// own stats entry takes, keying each worker by its numeric index converted
// to a string the way brim's bucket_names does.
func snapshotBody(p *plan.LaunchPlan, region *stats.Region, scopePrefix string, workerCount int) map[string]interface{} {
	decls := p.Declared[scopePrefix]
	scopes := stats.WorkerScopes(scopePrefix, workerCount)
	snap := stats.Aggregate(region, scopes, decls)

	for _, d := range decls {
		if d.Name == "start_time" {
			// Aggregate's live min over the *current* per-worker slots
			// would drag the overall value forward every time the
			// currently-lowest worker restarts. WorkerSupervisor.Run's
			// once-set, bare-scope slot is the authoritative "time the
			// first worker ever started" instead.
			if v := region.HandleFor(scopePrefix).Get("start_time"); v != 0 {
				snap.Overall["start_time"] = v
			}
			break
		}
	}

	out := make(map[string]interface{}, len(decls)+workerCount)
	for name, v := range snap.Overall {
		if v != 0 {
			out[name] = v
		}
	}
	for i, worker := range snap.Workers {
		bucket := make(map[string]uint64)
		for name, v := range worker {
			if v != 0 {
				bucket[name] = v
			}
		}
		if len(bucket) > 0 {
			out[strconv.Itoa(i)] = bucket
		}
	}
	return out
}
