package kb

import "time"

// shardState is the freshness of one per-category shard.
type shardState int

const (
	// stateFresh means the shard was refreshed within the TTL.
	stateFresh shardState = iota
	// stateStale means the TTL elapsed. Stale shards keep serving reads.
	stateStale
	// stateRefreshing means an update is in flight. At most one per shard.
	stateRefreshing
)

func (s shardState) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateStale:
		return "stale"
	case stateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// shard tracks one category's refresh bookkeeping. Guarded by Manager.mu.
type shard struct {
	refreshing  bool
	lastUpdated time.Time
}

func (sh *shard) state(now time.Time, ttl time.Duration) shardState {
	if sh.refreshing {
		return stateRefreshing
	}
	if now.Sub(sh.lastUpdated) < ttl {
		return stateFresh
	}
	return stateStale
}
