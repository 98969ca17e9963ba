package stats

// Snapshot is the read-side aggregation result for one sub-instance (or
// daemon group): the overall folded values plus each scope's raw values,
// keyed the way the stats reporter handler (handlers/statsreport) renders
// them into JSON — per-worker objects under numeric string keys, overall
// values spliced into the same top-level object (mirroring
// _examples/original_source/brim/stats.py's flat body dict).
type Snapshot struct {
	Overall map[string]uint64
	Workers []map[string]uint64
}

// Aggregate folds the values at the given worker scopes into a Snapshot
// according to each declaration's Kind, per spec §4.4.
func Aggregate(region *Region, scopes []string, decls []Declaration) Snapshot {
	snap := Snapshot{
		Overall: make(map[string]uint64),
		Workers: make([]map[string]uint64, len(scopes)),
	}

	sums := map[string]uint64{}
	mins := map[string]uint64{}
	minSeen := map[string]bool{}
	maxs := map[string]uint64{}

	for i, scope := range scopes {
		h := region.HandleFor(scope)
		worker := make(map[string]uint64, len(decls))
		for _, d := range decls {
			v := h.Get(d.Name)
			worker[d.Name] = v
			switch d.Kind {
			case Sum:
				sums[d.Name] = saturatingAdd(sums[d.Name], v)
			case Min:
				if d.Timestamp && v == 0 {
					continue // 0 means "never set"; does not participate
				}
				if !minSeen[d.Name] || v < mins[d.Name] {
					mins[d.Name] = v
					minSeen[d.Name] = true
				}
			case Max:
				if v > maxs[d.Name] {
					maxs[d.Name] = v
				}
			}
		}
		snap.Workers[i] = worker
	}

	for _, d := range decls {
		switch d.Kind {
		case Sum:
			snap.Overall[d.Name] = sums[d.Name]
		case Min:
			if minSeen[d.Name] {
				snap.Overall[d.Name] = mins[d.Name]
			} else {
				snap.Overall[d.Name] = 0
			}
		case Max:
			snap.Overall[d.Name] = maxs[d.Name]
		case WorkerOnly:
			// no overall value
		}
	}

	return snap
}

// saturatingAdd adds b to a, clamping at ^uint64(0) instead of wrapping, per
// spec §4.4's "sum: ... Saturating add."
func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
