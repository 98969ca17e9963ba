package stats

import (
	"sync"
	"testing"
)

func buildRegion(t *testing.T, scopes []string, decls []Declaration) *Region {
	t.Helper()
	p := NewPlanner()
	for _, s := range scopes {
		p.ReserveAll(s, decls)
	}
	region, err := NewRegion(p.Freeze())
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	return region
}

func TestIncrAtomicAcrossGoroutines(t *testing.T) {
	decls := []Declaration{ReservedRequestCount}
	region := buildRegion(t, []string{"wsgi:front:0"}, decls)
	h := region.HandleFor("wsgi:front:0")

	const n = 1000
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Incr("request_count")
		}()
	}
	wg.Wait()

	if got := h.Get("request_count"); got != uint64(n) {
		t.Errorf("request_count = %d, want %d", got, n)
	}
}

func TestSetClampsNegative(t *testing.T) {
	region := buildRegion(t, []string{"daemon:x"}, []Declaration{{Name: "foo", Kind: Sum}})
	h := region.HandleFor("daemon:x")
	h.Set("foo", -5)
	if got := h.Get("foo"); got != 0 {
		t.Errorf("foo = %d, want 0", got)
	}
}

func TestIncrSaturates(t *testing.T) {
	region := buildRegion(t, []string{"daemon:x"}, []Declaration{{Name: "foo", Kind: Sum}})
	h := region.HandleFor("daemon:x")
	h.SetUint64("foo", ^uint64(0))
	h.Incr("foo")
	if got := h.Get("foo"); got != ^uint64(0) {
		t.Errorf("foo = %d, want max uint64", got)
	}
}

func TestUndeclaredNameIsIgnored(t *testing.T) {
	region := buildRegion(t, []string{"daemon:x"}, []Declaration{{Name: "foo", Kind: Sum}})
	h := region.HandleFor("daemon:x")
	h.Incr("bar") // should not panic
	if got := h.Get("bar"); got != 0 {
		t.Errorf("undeclared bar = %d, want 0", got)
	}
}

func TestAggregateSumMinMax(t *testing.T) {
	decls := []Declaration{
		{Name: "requests", Kind: Sum},
		{Name: "last_called", Kind: Max},
		ReservedStartTime,
	}
	scopes := WorkerScopes("wsgi:front", 2)
	region := buildRegion(t, scopes, decls)

	h0 := region.HandleFor(scopes[0])
	h1 := region.HandleFor(scopes[1])
	h0.SetUint64("requests", 2)
	h1.SetUint64("requests", 1)
	h0.SetUint64("last_called", 100)
	h1.SetUint64("last_called", 250)
	h0.SetUint64("start_time", 1000)
	h1.SetUint64("start_time", 2000)

	snap := Aggregate(region, scopes, decls)
	if snap.Overall["requests"] != 3 {
		t.Errorf("overall requests = %d, want 3", snap.Overall["requests"])
	}
	if snap.Overall["last_called"] != 250 {
		t.Errorf("overall last_called = %d, want 250", snap.Overall["last_called"])
	}
	if snap.Overall["start_time"] != 1000 {
		t.Errorf("overall start_time = %d, want 1000 (min)", snap.Overall["start_time"])
	}
}

func TestAggregateMinIgnoresZeroTimestamp(t *testing.T) {
	decls := []Declaration{ReservedStartTime}
	scopes := WorkerScopes("wsgi:front", 2)
	region := buildRegion(t, scopes, decls)

	h0 := region.HandleFor(scopes[0])
	// worker 1 never started: its start_time stays 0 and must not win the min.
	h0.SetUint64("start_time", 500)

	snap := Aggregate(region, scopes, decls)
	if snap.Overall["start_time"] != 500 {
		t.Errorf("overall start_time = %d, want 500", snap.Overall["start_time"])
	}
}

func TestAggregateAllZeroTimestampYieldsZero(t *testing.T) {
	decls := []Declaration{ReservedStartTime}
	scopes := WorkerScopes("wsgi:front", 2)
	region := buildRegion(t, scopes, decls)

	snap := Aggregate(region, scopes, decls)
	if snap.Overall["start_time"] != 0 {
		t.Errorf("overall start_time = %d, want 0", snap.Overall["start_time"])
	}
}
