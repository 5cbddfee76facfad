package scheduler

import (
	"hash/fnv"
	"time"
)

const maxStartupSpread = 30 * time.Second

// startupDelay derives a stable per-node delay in [0, limit) so nodes started
// together do not all poll on the same tick.
func startupDelay(nodeID string, limit time.Duration) time.Duration {
	if limit > maxStartupSpread {
		limit = maxStartupSpread
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(fnv64a(nodeID) % uint64(limit))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
