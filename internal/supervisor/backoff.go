package supervisor

import "time"

// backoff computes the restart delay for a worker slot's Nth consecutive
// crash (attempt is 0-indexed), doubling from baseDelay up to maxDelay —
// the same exponential growth shape as
// _examples/jrepp-prism-data-layer/pkg/procmgr/workqueue.go's
// ExponentialBackoff, without its random jitter so restart timing stays
// deterministic and testable. brim/service.py's own sustain_workers used a
// flat one-respawn-per-second cap; this generalizes that into a real
// backoff so a persistently crashing handler doesn't busy-loop forever.
func backoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

const (
	baseRestartDelay = time.Second
	maxRestartDelay  = 60 * time.Second
	// stableUptime is how long a worker must run before a subsequent
	// crash resets its attempt counter back to 0, matching the "settled
	// down" heuristic common to supervisor backoff loops.
	stableUptime = 60 * time.Second
)
