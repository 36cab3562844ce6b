package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock lets tests move cache time without sleeping.
type fixedClock struct {
	t time.Time
}

func (f *fixedClock) now() time.Time          { return f.t }
func (f *fixedClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(defaultTTL time.Duration) (*Cache, *fixedClock) {
	clock := &fixedClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := New(defaultTTL)
	c.now = clock.now
	return c, clock
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(time.Hour)

	c.Set("vocab:p53", "D016158")
	v, ok := c.Get("vocab:p53")
	require.True(t, ok)
	assert.Equal(t, "D016158", v)

	_, ok = c.Get("vocab:unknown")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(time.Hour)
	c.SetWithTTL("k", 42, 10*time.Minute)

	clock.advance(10*time.Minute - time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry must still be live just before the deadline")

	clock.advance(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must be gone just after the deadline")

	// expired read evicts lazily
	assert.Equal(t, 0, c.Stats().Size)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, clock := newTestCache(0)
	c.Set("forever", "v")

	clock.advance(1000 * time.Hour)
	_, ok := c.Get("forever")
	assert.True(t, ok)
}

func TestDeleteByPattern(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Set("analysis:g1:1:degree", 1)
	c.Set("analysis:g1:1:communities", 2)
	c.Set("analysis:g1:2:degree", 3)
	c.Set("vocab:p53", 4)

	removed, err := c.DeleteByPattern("^analysis:g1:1:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := c.Get("analysis:g1:2:degree")
	assert.True(t, ok, "other versions must survive")
	_, ok = c.Get("vocab:p53")
	assert.True(t, ok, "unrelated keys must survive")
}

func TestDeleteByPatternRejectsBadRegex(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	_, err := c.DeleteByPattern("analysis:[")
	assert.Error(t, err)
}

func TestClearKeepsCounters(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	c.Set("a", 1)
	c.Get("a")
	c.Get("missing")

	c.Clear()

	stats := c.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestWarmAppliesDefaultTTL(t *testing.T) {
	c, clock := newTestCache(30 * time.Minute)
	c.Warm([]Entry{
		{Key: "short", Value: 1, TTL: time.Minute},
		{Key: "default", Value: 2},
		{Key: "pinned", Value: 3, TTL: -1},
	})

	clock.advance(2 * time.Minute)
	_, ok := c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("default")
	assert.True(t, ok)

	clock.advance(100 * time.Hour)
	_, ok = c.Get("pinned")
	assert.True(t, ok, "negative TTL pins the entry")
}

func TestSweepExpired(t *testing.T) {
	c, clock := newTestCache(time.Hour)
	c.SetWithTTL("a", 1, time.Minute)
	c.SetWithTTL("b", 2, time.Hour)

	clock.advance(10 * time.Minute)
	assert.Equal(t, 1, c.SweepExpired())
	assert.Equal(t, 1, c.Stats().Size)
}

func TestStatsHitRate(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	assert.Zero(t, c.Stats().HitRate)

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Get("missing")

	assert.InDelta(t, 0.5, c.Stats().HitRate, 1e-9)
}
