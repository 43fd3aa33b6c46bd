package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory remoteStore whose failures can be toggled.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failing bool
	sets    int
	gets    int
	msets   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

var errFakeDown = errors.New("fake store down")

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failing {
		return nil, errFakeDown
	}
	v, ok := f.data[key]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.failing {
		return errFakeDown
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) MGet(_ context.Context, keys []string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errFakeDown
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = f.data[k]
	}
	return out, nil
}

func (f *fakeStore) MSet(_ context.Context, entries map[string][]byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msets++
	if f.failing {
		return errFakeDown
	}
	for k, v := range entries {
		f.data[k] = v
	}
	return nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeDown
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) DelPrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeDown
	}
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			delete(f.data, k)
		}
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errFakeDown
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func newTestTier(t *testing.T, store remoteStore) *Tier {
	t.Helper()
	return newWithStore(Options{
		Prefix:       "f1:",
		L1Size:       64,
		CompressAlgo: "lz4",
		CompressMin:  1024,
	}, zerolog.Nop(), nil, store)
}

func TestTierReadYourWrites(t *testing.T) {
	tier := newTestTier(t, newFakeStore())
	ctx := context.Background()

	tier.Set(ctx, TagSession, "current", []byte(`{"name":"Monza"}`))
	val, ok := tier.Get(ctx, TagSession, "current")
	require.True(t, ok)
	assert.Equal(t, `{"name":"Monza"}`, string(val))

	stats := tier.Stats()
	assert.Equal(t, int64(1), stats.L1Hits)
	assert.Equal(t, int64(1), stats.Writes)
}

func TestTierL2BackfillsL1(t *testing.T) {
	store := newFakeStore()
	tier := newTestTier(t, store)
	ctx := context.Background()

	store.data["f1:drivers:list"] = []byte(`{"1":{}}`)

	val, ok := tier.Get(ctx, TagDrivers, "list")
	require.True(t, ok)
	assert.Equal(t, `{"1":{}}`, string(val))
	assert.Equal(t, int64(1), tier.Stats().L2Hits)

	// Second read is served from L1.
	before := store.gets
	_, ok = tier.Get(ctx, TagDrivers, "list")
	require.True(t, ok)
	assert.Equal(t, before, store.gets)
}

func TestTierFailoverTransparent(t *testing.T) {
	store := newFakeStore()
	tier := newTestTier(t, store)
	ctx := context.Background()
	store.setFailing(true)

	tier.Set(ctx, TagTiming, "d44", []byte("x"))
	assert.True(t, tier.Failover(), "first L2 fault raises failover")

	// Reads and writes keep working against L1.
	val, ok := tier.Get(ctx, TagTiming, "d44")
	require.True(t, ok)
	assert.Equal(t, "x", string(val))

	setsBefore := store.sets
	tier.Set(ctx, TagTiming, "d63", []byte("y"))
	assert.Equal(t, setsBefore, store.sets, "L2 short-circuited while failover is active")

	assert.Equal(t, int64(1), tier.Stats().Failovers, "failover counted once")
}

func TestTierFailoverRecovery(t *testing.T) {
	store := newFakeStore()
	tier := newWithStore(Options{
		Prefix:       "f1:",
		L1Size:       64,
		CompressAlgo: "lz4",
		CompressMin:  1024,
		BackSync:     true,
	}, zerolog.Nop(), nil, store)
	ctx := context.Background()

	store.setFailing(true)
	tier.Set(ctx, TagWeather, "current", []byte(`{"airTemp":28}`))
	require.True(t, tier.Failover())

	store.setFailing(false)
	tier.probe(ctx)

	assert.False(t, tier.Failover())
	assert.Equal(t, []byte(`{"airTemp":28}`), store.data["f1:weather:current"],
		"back-sync pushed L1 state after recovery")
}

func TestTierCompressionRoundTrip(t *testing.T) {
	store := newFakeStore()
	tier := newWithStore(Options{
		Prefix:       "f1:",
		L1Size:       64,
		CompressAlgo: "lz4",
		CompressMin:  16,
	}, zerolog.Nop(), nil, store)
	ctx := context.Background()

	big := []byte(strings.Repeat(`{"speed":310,"rpm":11200}`, 50))
	tier.Set(ctx, TagTelemetry, "d1", big)

	stored := store.data["f1:telemetry:d1"]
	require.NotNil(t, stored)
	assert.Less(t, len(stored), len(big))
	assert.Equal(t, magicLZ4, stored[:4])

	// Evict L1 so the read goes through decompression.
	tier.l1[TagTelemetry].Purge()
	val, ok := tier.Get(ctx, TagTelemetry, "d1")
	require.True(t, ok)
	assert.Equal(t, big, val)
}

func TestDecompressDetectsCodec(t *testing.T) {
	data := []byte(strings.Repeat("abcdef", 100))

	for _, algo := range []string{"lz4", "gzip"} {
		stored, err := compress(algo, data)
		require.NoError(t, err, algo)
		got, err := decompress(stored)
		require.NoError(t, err, algo)
		assert.Equal(t, data, got, algo)
	}

	// Unmarked values pass through.
	raw := []byte(`{"plain":true}`)
	got, err := decompress(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestTierMemoryOnlySkipsL2(t *testing.T) {
	store := newFakeStore()
	tier := newTestTier(t, store)
	ctx := context.Background()

	tier.Set(ctx, TagClientSession, "abc", []byte("1"), Memory())
	assert.Empty(t, store.data)

	val, ok := tier.Get(ctx, TagClientSession, "abc")
	require.True(t, ok)
	assert.Equal(t, "1", string(val))
}

func TestTierMGetSplitsTiers(t *testing.T) {
	store := newFakeStore()
	tier := newTestTier(t, store)
	ctx := context.Background()

	tier.Set(ctx, TagTiming, "d1", []byte("a"), Memory())
	store.data["f1:timing:d2"] = []byte("b")

	vals := tier.MGet(ctx, TagTiming, []string{"d1", "d2", "d3"})
	require.Len(t, vals, 3)
	assert.Equal(t, "a", string(vals[0]))
	assert.Equal(t, "b", string(vals[1]))
	assert.Nil(t, vals[2])
}

func TestTierMSetBatchesL2Writes(t *testing.T) {
	store := newFakeStore()
	tier := newTestTier(t, store)
	ctx := context.Background()

	tier.MSet(ctx, TagTiming, map[string][]byte{
		"d1":  []byte("a"),
		"d44": []byte("b"),
		"d63": []byte("c"),
	})

	assert.Equal(t, 1, store.msets, "one L2 round trip for the batch")
	assert.Equal(t, 0, store.sets)
	assert.Equal(t, []byte("b"), store.data["f1:timing:d44"])

	val, ok := tier.Get(ctx, TagTiming, "d63")
	require.True(t, ok)
	assert.Equal(t, "c", string(val))

	// Memory-only batches never reach L2.
	tier.MSet(ctx, TagTiming, map[string][]byte{"d4": []byte("d")}, Memory())
	assert.Equal(t, 1, store.msets)
}

func TestTierFlushTagScoped(t *testing.T) {
	store := newFakeStore()
	tier := newTestTier(t, store)
	ctx := context.Background()

	tier.Set(ctx, TagTiming, "d1", []byte("a"))
	tier.Set(ctx, TagWeather, "current", []byte("b"))

	tier.FlushTag(ctx, TagTiming)

	_, ok := tier.Get(ctx, TagTiming, "d1")
	assert.False(t, ok)
	val, ok := tier.Get(ctx, TagWeather, "current")
	require.True(t, ok)
	assert.Equal(t, "b", string(val))
	assert.NotContains(t, store.data, "f1:timing:d1")
	assert.Contains(t, store.data, "f1:weather:current")
}

func TestTierWithoutL2(t *testing.T) {
	tier := newWithStore(Options{L1Size: 8, CompressAlgo: "lz4", CompressMin: 1024},
		zerolog.Nop(), nil, nil)
	ctx := context.Background()

	tier.Set(ctx, TagTrack, "status", []byte("Green"))
	val, ok := tier.Get(ctx, TagTrack, "status")
	require.True(t, ok)
	assert.Equal(t, "Green", string(val))
	assert.False(t, tier.Failover())
}
