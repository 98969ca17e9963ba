// Package stats implements the Stats Surface (L2): a shared-memory region
// of unsigned 64-bit counters that is atomically updated from any process
// that inherits it, plus a read-side aggregator that folds per-scope values
// into an overall value according to a declared aggregation kind.
//
// The region is backed by a memfd (golang.org/x/sys/unix.MemfdCreate) rather
// than a bare anonymous mmap, so that a re-exec'd worker (see
// internal/supervisor) can re-map the very same pages via an inherited file
// descriptor. This generalizes _examples/original_source/brim/server.py's
// _BucketStats, which relied on mmap(MAP_ANONYMOUS) surviving fork()'s COW
// semantics — a re-exec model has no COW fork to rely on (see SPEC_FULL.md
// §4.4 and the REDESIGN FLAGS carried over from spec.md §9).
package stats

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const slotSize = 8 // bytes per counter; one uint64 per (scope, name)

// Kind is the read-side aggregation policy for folding a declared stat's
// per-scope values into one overall value.
type Kind int

const (
	// WorkerOnly (alias DaemonOnly) stats are emitted per-scope only; no
	// overall value is computed.
	WorkerOnly Kind = iota
	Sum
	Min
	Max
)

func (k Kind) String() string {
	switch k {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return "worker-only"
	}
}

// ParseKind parses the config-file spelling of an aggregation kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "sum":
		return Sum, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	case "worker-only", "daemon-only", "worker", "daemon":
		return WorkerOnly, nil
	default:
		return WorkerOnly, fmt.Errorf("unknown stat aggregation kind %q", s)
	}
}

// Declaration is a single (name, kind) pair resolved at parse time from a
// factory's StatsConf hook, or one of the launcher's own reserved defaults
// (start_time, request_count, status_*).
type Declaration struct {
	Name string
	Kind Kind
	// Timestamp marks a Min declaration where 0 means "never set" and
	// must not participate in the min (spec §4.4's final bullet).
	Timestamp bool
}

// ReservedStartTime and ReservedRequestCount are the two stats every
// sub-instance reserves per worker per spec §3's invariants; daemons do not
// reserve them.
var (
	ReservedStartTime    = Declaration{Name: "start_time", Kind: Min, Timestamp: true}
	ReservedRequestCount = Declaration{Name: "request_count", Kind: Sum}
	// ReservedRestartCount is per spec §4.2's subprocess_restart_count.
	ReservedRestartCount = Declaration{Name: "subprocess_restart_count", Kind: Sum}
)

// StatusDeclarations builds the status_2xx_count..status_5xx_count and
// status_<code>_count reserved WSGI stats for the given tracked-status set,
// per spec §3's invariant on WSGI sub-instances.
func StatusDeclarations(trackedCodes []int) []Declaration {
	decls := []Declaration{
		{Name: "status_2xx_count", Kind: Sum},
		{Name: "status_3xx_count", Kind: Sum},
		{Name: "status_4xx_count", Kind: Sum},
		{Name: "status_5xx_count", Kind: Sum},
	}
	for _, code := range trackedCodes {
		decls = append(decls, Declaration{Name: fmt.Sprintf("status_%d_count", code), Kind: Sum})
	}
	return decls
}

type slotKey struct {
	scope string
	name  string
}

// Layout assigns a fixed slot index to every (scope, name) pair at
// plan-freeze time; the slot's byte offset in the region is index*slotSize.
// Offsets are never reassigned while the parent process
// is alive, per spec §5's resource policy.
type Layout struct {
	offsets map[slotKey]int
	size    int
}

// Planner accumulates bucket reservations before a Layout is frozen.
type Planner struct {
	offsets map[slotKey]int
	next    int
}

// NewPlanner returns an empty Planner.
func NewPlanner() *Planner {
	return &Planner{offsets: make(map[slotKey]int)}
}

// Reserve assigns scope/name a slot if it doesn't already have one. Safe to
// call multiple times with the same arguments.
func (p *Planner) Reserve(scope, name string) {
	k := slotKey{scope, name}
	if _, ok := p.offsets[k]; ok {
		return
	}
	p.offsets[k] = p.next
	p.next++
}

// ReserveAll reserves every declared name for scope.
func (p *Planner) ReserveAll(scope string, decls []Declaration) {
	for _, d := range decls {
		p.Reserve(scope, d.Name)
	}
}

// Freeze finalizes the Planner into an immutable Layout.
func (p *Planner) Freeze() *Layout {
	return &Layout{offsets: p.offsets, size: p.next * slotSize}
}

// SizeBytes is the total shared-memory region size the Layout requires.
func (l *Layout) SizeBytes() int { return l.size }

func (l *Layout) offset(scope, name string) (int, bool) {
	off, ok := l.offsets[slotKey{scope, name}]
	return off, ok
}

// Region is the live, mapped shared-memory segment, plus the Layout that
// describes it. It is created once by the parent (NewRegion) and re-mapped
// by each forked/exec'd child from the inherited fd (OpenRegion).
type Region struct {
	layout *Layout
	mem    []byte
	file   *os.File
}

// NewRegion allocates a fresh memfd-backed shared region sized for layout
// and maps it MAP_SHARED so writes are visible to every process that later
// maps the same fd.
func NewRegion(layout *Layout) (*Region, error) {
	size := layout.SizeBytes()
	if size == 0 {
		size = slotSize // avoid a zero-length mmap when there are no declared stats
	}
	fd, err := unix.MemfdCreate("brimd-stats", 0)
	if err != nil {
		return nil, fmt.Errorf("stats: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), "brimd-stats")
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("stats: truncate region: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stats: mmap region: %w", err)
	}
	return &Region{layout: layout, mem: mem, file: file}, nil
}

// File returns the memfd backing the region, for inheritance by a
// forked/exec'd worker via os/exec.Cmd.ExtraFiles.
func (r *Region) File() *os.File { return r.file }

// OpenRegion re-maps an inherited fd (as given to a re-exec'd child by its
// parent) using the same layout the parent froze.
func OpenRegion(layout *Layout, fd uintptr) (*Region, error) {
	size := layout.SizeBytes()
	if size == 0 {
		size = slotSize
	}
	mem, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("stats: mmap inherited region: %w", err)
	}
	return &Region{layout: layout, mem: mem, file: os.NewFile(fd, "brimd-stats")}, nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func (r *Region) slot(scope, name string) *uint64 {
	off, ok := r.layout.offset(scope, name)
	if !ok {
		return nil
	}
	return (*uint64)(unsafe.Pointer(&r.mem[off*slotSize]))
}

// Handle binds a Region to one scope, the object a worker or daemon is
// actually handed for get/set/incr, per spec §4.4's write side.
type Handle struct {
	region *Region
	scope  string
}

// HandleFor returns a Handle scoped to the given (component, sub-name,
// index) string, e.g. "wsgi:front:0" or "daemon:housekeeper:0".
func (r *Region) HandleFor(scope string) *Handle {
	return &Handle{region: r, scope: scope}
}

// Get returns the current value of name, or 0 if undeclared (spec's
// forward-compatibility rule for unknown stat names).
func (h *Handle) Get(name string) uint64 {
	slot := h.region.slot(h.scope, name)
	if slot == nil {
		return 0
	}
	return atomic.LoadUint64(slot)
}

// Set stores value, clamping a would-be-negative value to 0 and truncating
// to 64 bits, per spec's StatBucket invariant. Writes to undeclared names
// are silently ignored.
func (h *Handle) Set(name string, value int64) {
	slot := h.region.slot(h.scope, name)
	if slot == nil {
		return
	}
	if value < 0 {
		value = 0
	}
	atomic.StoreUint64(slot, uint64(value))
}

// SetUint64 stores an already-unsigned value directly.
func (h *Handle) SetUint64(name string, value uint64) {
	slot := h.region.slot(h.scope, name)
	if slot == nil {
		return
	}
	atomic.StoreUint64(slot, value)
}

// Incr increments name by one, saturating at 2^64-1 rather than wrapping.
func (h *Handle) Incr(name string) {
	slot := h.region.slot(h.scope, name)
	if slot == nil {
		return
	}
	for {
		old := atomic.LoadUint64(slot)
		if old == ^uint64(0) {
			return
		}
		if atomic.CompareAndSwapUint64(slot, old, old+1) {
			return
		}
	}
}

// Reset zeroes the named slots in scope. The supervisor does not call it
// when a worker slot is reused across a restart: a restart only rewrites
// start_time, and the other counters keep accumulating.
func (h *Handle) Reset(names []string) {
	for _, n := range names {
		h.SetUint64(n, 0)
	}
}

// WorkerScopes returns ["prefix:0", "prefix:1", ...] for count workers, the
// canonical scope naming used throughout the launcher (spec §3's StatBucket
// entity: "wsgi:<sub-name>:<worker-index>" etc).
func WorkerScopes(prefix string, count int) []string {
	scopes := make([]string, count)
	for i := 0; i < count; i++ {
		scopes[i] = fmt.Sprintf("%s:%d", prefix, i)
	}
	return scopes
}

// SortedDeclarationNames returns decl names in a stable order, useful for
// deterministic JSON output and tests.
func SortedDeclarationNames(decls []Declaration) []string {
	names := make([]string, len(decls))
	for i, d := range decls {
		names[i] = d.Name
	}
	sort.Strings(names)
	return names
}
