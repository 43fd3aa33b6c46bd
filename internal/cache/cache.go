// Package cache implements the relay's two-tier store: a bounded in-process
// L1 segmented per tag, and a best-effort Redis L2 with per-tag key prefixes
// and TTLs. L1 writes never fail; any L2 fault raises the failover flag and
// the tier degrades to memory-only until a health probe clears it.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/pitwall-dev/relay/internal/metrics"
)

// Options configures a Tier.
type Options struct {
	// RedisAddrs empty disables L2 entirely.
	RedisAddrs    []string
	RedisCluster  bool
	RedisPassword string

	// Prefix is prepended to every L2 key, before the tag prefix.
	Prefix string
	// L1Size bounds each tag's L1 segment.
	L1Size int
	// CompressAlgo is "lz4" or "gzip"; values whose serialized size exceeds
	// CompressMin are compressed before the L2 write.
	CompressAlgo string
	CompressMin  int
	// HealthInterval is the L2 probe period; zero disables the probe loop.
	HealthInterval time.Duration
	// BackSync pushes L1 contents to L2 when failover clears.
	BackSync bool
	// NoFailover keeps attempting L2 after faults instead of degrading to
	// memory-only.
	NoFailover bool
	// TTLs overrides the default per-tag TTLs.
	TTLs map[Tag]time.Duration
}

// Stats is a point-in-time view of tier counters.
type Stats struct {
	L1Hits    int64 `json:"l1Hits"`
	L2Hits    int64 `json:"l2Hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Errors    int64 `json:"errors"`
	Failovers int64 `json:"failovers"`
	Total     int64 `json:"totalOperations"`
	HitRate   float64 `json:"hitRate"`
	Failover  bool  `json:"failoverActive"`
}

// SetOption adjusts a single write.
type SetOption func(*setOpts)

type setOpts struct {
	memoryOnly bool
	ttl        time.Duration
}

// Memory keeps the write out of L2 regardless of failover state.
func Memory() SetOption {
	return func(o *setOpts) { o.memoryOnly = true }
}

// WithTTL overrides the tag TTL for one entry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOpts) { o.ttl = d }
}

// Tier is the two-level cache. All methods are safe for concurrent use.
type Tier struct {
	opts Options
	log  zerolog.Logger
	m    *metrics.Registry

	// One expirable LRU per tag: bounded size, the tag's TTL, and an
	// internal reaper sweeping expired entries. Flushing a tag purges one
	// segment without touching the others.
	l1 map[Tag]*expirable.LRU[string, []byte]
	// backSyncMu guards the L1 iteration during back-sync.
	backSyncMu sync.Mutex

	l2       remoteStore
	failover atomic.Bool

	l1Hits    atomic.Int64
	l2Hits    atomic.Int64
	misses    atomic.Int64
	writes    atomic.Int64
	errors    atomic.Int64
	failovers atomic.Int64
	total     atomic.Int64
}

// New builds a Tier. The constructor never dials L2; the first use or the
// health probe discovers whether it is reachable.
func New(opts Options, log zerolog.Logger, m *metrics.Registry) *Tier {
	if opts.L1Size <= 0 {
		opts.L1Size = 4096
	}
	if opts.CompressAlgo == "" {
		opts.CompressAlgo = "lz4"
	}
	if opts.CompressMin <= 0 {
		opts.CompressMin = 1024
	}

	var l2 remoteStore
	if len(opts.RedisAddrs) > 0 {
		l2 = newRedisStore(opts.RedisAddrs, opts.RedisCluster, opts.RedisPassword)
	}
	return newWithStore(opts, log, m, l2)
}

func newWithStore(opts Options, log zerolog.Logger, m *metrics.Registry, l2 remoteStore) *Tier {
	t := &Tier{
		opts: opts,
		log:  log.With().Str("component", "cache").Logger(),
		m:    m,
		l1:   make(map[Tag]*expirable.LRU[string, []byte], len(Tags())),
		l2:   l2,
	}
	for _, tag := range Tags() {
		t.l1[tag] = expirable.NewLRU[string, []byte](opts.L1Size, nil, t.ttlFor(tag))
	}
	return t
}

func (t *Tier) ttlFor(tag Tag) time.Duration {
	if d, ok := t.opts.TTLs[tag]; ok && d > 0 {
		return d
	}
	return defaultTTLs[tag]
}

func (t *Tier) l2Key(tag Tag, key string) string {
	return t.opts.Prefix + keyPrefix(tag) + key
}

// l2Available reports whether L2 calls should be attempted.
func (t *Tier) l2Available() bool {
	return t.l2 != nil && !t.failover.Load()
}

// Failover reports whether the tier is running memory-only.
func (t *Tier) Failover() bool {
	return t.failover.Load()
}

func (t *Tier) raiseFailover(err error) {
	t.errors.Add(1)
	if t.m != nil {
		t.m.CacheErrors.Inc()
	}
	if t.opts.NoFailover {
		t.log.Warn().Err(err).Msg("L2 error")
		return
	}
	if t.failover.CompareAndSwap(false, true) {
		t.failovers.Add(1)
		if t.m != nil {
			t.m.CacheFailovers.Inc()
		}
		t.log.Warn().Err(err).Msg("L2 unavailable, entering failover mode")
	}
}

// Get reads L1 first; on miss it consults L2 (when available) and back-fills
// L1 on hit. A miss returns (nil, false). L2 faults never surface to callers.
func (t *Tier) Get(ctx context.Context, tag Tag, key string) ([]byte, bool) {
	t.total.Add(1)

	if val, ok := t.l1[tag].Get(key); ok {
		t.l1Hits.Add(1)
		if t.m != nil {
			t.m.CacheL1Hits.Inc()
		}
		return val, true
	}

	if t.l2Available() {
		raw, err := t.l2.Get(ctx, t.l2Key(tag, key))
		switch {
		case err == nil:
			val, derr := decompress(raw)
			if derr != nil {
				t.errors.Add(1)
				t.log.Error().Err(derr).Str("tag", string(tag)).Str("key", key).
					Msg("failed to decode L2 value")
				break
			}
			t.l2Hits.Add(1)
			if t.m != nil {
				t.m.CacheL2Hits.Inc()
			}
			t.l1[tag].Add(key, val)
			return val, true
		case err == errNotFound:
			// fall through to miss
		default:
			t.raiseFailover(err)
		}
	}

	t.misses.Add(1)
	if t.m != nil {
		t.m.CacheMisses.Inc()
	}
	return nil, false
}

// Set always writes L1 and best-effort writes L2 unless the entry is
// memory-only or failover is active.
func (t *Tier) Set(ctx context.Context, tag Tag, key string, value []byte, opts ...SetOption) {
	var o setOpts
	for _, opt := range opts {
		opt(&o)
	}

	t.total.Add(1)
	t.writes.Add(1)
	if t.m != nil {
		t.m.CacheWrites.Inc()
	}

	// The L1 form is never compressed.
	t.l1[tag].Add(key, value)

	if o.memoryOnly || !t.l2Available() {
		return
	}

	ttl := o.ttl
	if ttl <= 0 {
		ttl = t.ttlFor(tag)
	}

	stored := value
	if len(value) > t.opts.CompressMin {
		compressed, err := compress(t.opts.CompressAlgo, value)
		if err != nil {
			t.errors.Add(1)
			t.log.Error().Err(err).Str("tag", string(tag)).Msg("compression failed, storing raw")
		} else {
			stored = compressed
		}
	}

	if err := t.l2.Set(ctx, t.l2Key(tag, key), stored, ttl); err != nil {
		t.raiseFailover(err)
	}
}

// Delete removes the entry from both tiers.
func (t *Tier) Delete(ctx context.Context, tag Tag, key string) {
	t.total.Add(1)
	t.l1[tag].Remove(key)
	if t.l2Available() {
		if err := t.l2.Del(ctx, t.l2Key(tag, key)); err != nil {
			t.raiseFailover(err)
		}
	}
}

// MGet resolves keys from L1 first, then issues a single L2 batch for the
// remainder. The result aligns with keys; absent entries are nil.
func (t *Tier) MGet(ctx context.Context, tag Tag, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	var missing []int

	for i, key := range keys {
		t.total.Add(1)
		if val, ok := t.l1[tag].Get(key); ok {
			t.l1Hits.Add(1)
			out[i] = val
		} else {
			missing = append(missing, i)
		}
	}

	if len(missing) == 0 || !t.l2Available() {
		for range missing {
			t.misses.Add(1)
		}
		return out
	}

	l2Keys := make([]string, len(missing))
	for j, i := range missing {
		l2Keys[j] = t.l2Key(tag, keys[i])
	}
	vals, err := t.l2.MGet(ctx, l2Keys)
	if err != nil {
		t.raiseFailover(err)
		for range missing {
			t.misses.Add(1)
		}
		return out
	}
	for j, i := range missing {
		if vals[j] == nil {
			t.misses.Add(1)
			continue
		}
		val, derr := decompress(vals[j])
		if derr != nil {
			t.errors.Add(1)
			t.misses.Add(1)
			continue
		}
		t.l2Hits.Add(1)
		t.l1[tag].Add(keys[i], val)
		out[i] = val
	}
	return out
}

// MSet writes all entries through L1 and issues a single pipelined L2 write
// for the batch.
func (t *Tier) MSet(ctx context.Context, tag Tag, entries map[string][]byte, opts ...SetOption) {
	var o setOpts
	for _, opt := range opts {
		opt(&o)
	}

	batch := make(map[string][]byte, len(entries))
	for key, value := range entries {
		t.total.Add(1)
		t.writes.Add(1)
		if t.m != nil {
			t.m.CacheWrites.Inc()
		}
		t.l1[tag].Add(key, value)

		if o.memoryOnly || !t.l2Available() {
			continue
		}
		stored := value
		if len(value) > t.opts.CompressMin {
			compressed, err := compress(t.opts.CompressAlgo, value)
			if err != nil {
				t.errors.Add(1)
				t.log.Error().Err(err).Str("tag", string(tag)).Msg("compression failed, storing raw")
			} else {
				stored = compressed
			}
		}
		batch[t.l2Key(tag, key)] = stored
	}
	if len(batch) == 0 {
		return
	}

	ttl := o.ttl
	if ttl <= 0 {
		ttl = t.ttlFor(tag)
	}
	if err := t.l2.MSet(ctx, batch, ttl); err != nil {
		t.raiseFailover(err)
	}
}

// FlushTag drops every entry under one tag in both tiers.
func (t *Tier) FlushTag(ctx context.Context, tag Tag) {
	t.l1[tag].Purge()
	if t.l2Available() {
		if err := t.l2.DelPrefix(ctx, t.opts.Prefix+keyPrefix(tag)); err != nil {
			t.raiseFailover(err)
		}
	}
}

// FlushAll drops every entry in both tiers.
func (t *Tier) FlushAll(ctx context.Context) {
	for _, tag := range Tags() {
		t.FlushTag(ctx, tag)
	}
}

// Stats returns a snapshot of the tier counters.
func (t *Tier) Stats() Stats {
	s := Stats{
		L1Hits:    t.l1Hits.Load(),
		L2Hits:    t.l2Hits.Load(),
		Misses:    t.misses.Load(),
		Writes:    t.writes.Load(),
		Errors:    t.errors.Load(),
		Failovers: t.failovers.Load(),
		Total:     t.total.Load(),
		Failover:  t.failover.Load(),
	}
	if s.Total > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(s.Total)
	}
	return s
}

// StartHealthLoop probes L2 on the configured interval, raising failover on
// a missed probe and clearing it (with an optional back-sync) on recovery.
// It returns immediately when L2 is disabled.
func (t *Tier) StartHealthLoop(ctx context.Context) {
	if t.l2 == nil || t.opts.HealthInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(t.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.probe(ctx)
			}
		}
	}()
}

func (t *Tier) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := t.l2.Ping(pctx)
	cancel()
	if err != nil {
		t.raiseFailover(err)
		return
	}
	if t.failover.CompareAndSwap(true, false) {
		t.log.Info().Msg("L2 reachable again, leaving failover mode")
		if t.opts.BackSync {
			t.backSync(ctx)
		}
	}
}

// backSync pushes current L1 contents to L2 after a recovery, so sibling
// relay instances see state written during the outage.
func (t *Tier) backSync(ctx context.Context) {
	t.backSyncMu.Lock()
	defer t.backSyncMu.Unlock()
	for _, tag := range Tags() {
		seg := t.l1[tag]
		for _, key := range seg.Keys() {
			val, ok := seg.Get(key)
			if !ok {
				continue
			}
			if err := t.l2.Set(ctx, t.l2Key(tag, key), val, t.ttlFor(tag)); err != nil {
				t.raiseFailover(err)
				return
			}
		}
	}
}

// Close releases the L2 handle.
func (t *Tier) Close() error {
	if t.l2 != nil {
		return t.l2.Close()
	}
	return nil
}
