package resolver

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// GlobalApiKey is one physical credential in a provider's key pool, bound
// to the specific model it will be used to call. Keeping a pool keyed by
// physical key (rather than by alias target) is what prevents wildcard
// aliases with many targets from skewing rotation weight toward whichever
// provider happens to have the most matching targets: every key counts as
// exactly one pool entry regardless of how many aliases resolve to it.
type GlobalApiKey struct {
	Key        string
	ProviderID string
	BaseURL    string
	Model      string
}

// Rotator holds the live, atomically-replaceable key pools and the
// round-robin counters used to pick a slot out of any pool or index
// range. It is safe for concurrent use by every in-flight request.
type Rotator struct {
	mu    sync.RWMutex
	pools map[string][]GlobalApiKey

	counters sync.Map // map[string]*atomic.Uint64

	// logSometimes throttles pool-replacement logging: a hot reload or a
	// wildcard alias matched by many requests can call ReplacePool far
	// more often than it's useful to log.
	logSometimes rate.Sometimes
}

// NewRotator returns an empty rotator. A process holds exactly one,
// shared across every dispatch.
func NewRotator() *Rotator {
	return &Rotator{
		pools:        make(map[string][]GlobalApiKey),
		logSometimes: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// ReplacePool atomically swaps the key pool for a composite key
// ("group/alias"). Called once per request, ahead of selection, so the
// pool always reflects the current configuration even across a hot
// reload mid-flight.
func (r *Rotator) ReplacePool(compositeKey string, pool []GlobalApiKey) {
	r.mu.Lock()
	r.pools[compositeKey] = pool
	r.mu.Unlock()

	r.logSometimes.Do(func() {
		slog.Debug("rotator pool replaced", "composite_key", compositeKey, "pool_size", len(pool))
	})
}

// NextGlobalKey returns the next key in the composite key's pool via
// weighted round robin (weighted by how many times each key appears,
// which in practice is always once — see GlobalApiKey's doc comment).
func (r *Rotator) NextGlobalKey(compositeKey string) (GlobalApiKey, bool) {
	r.mu.RLock()
	pool := r.pools[compositeKey]
	r.mu.RUnlock()

	if len(pool) == 0 {
		return GlobalApiKey{}, false
	}
	idx := r.NextIndex(compositeKey, len(pool))
	return pool[idx], true
}

// NextIndex returns the next index in [0, modulus) for counterKey,
// advancing its counter. A modulus of zero or less always returns 0.
func (r *Rotator) NextIndex(counterKey string, modulus int) int {
	if modulus <= 0 {
		return 0
	}
	v, _ := r.counters.LoadOrStore(counterKey, new(atomic.Uint64))
	counter := v.(*atomic.Uint64)
	n := counter.Add(1) - 1
	return int(n % uint64(modulus))
}
