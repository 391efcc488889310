package codecache_test

import (
	"testing"
	"time"

	"github.com/cuemby/hyac/pkg/codecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsSetValue(t *testing.T) {
	c := codecache.New(8, time.Minute)
	key := codecache.Key("app1", "fn1")
	c.Set(key, "compiled-artifact")

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "compiled-artifact", got)
}

func TestGetMissesOnUnknownKey(t *testing.T) {
	c := codecache.New(8, time.Minute)
	_, ok := c.Get("nope")
	assert.False(t, ok)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := codecache.New(8, 10*time.Millisecond)
	key := codecache.Key("app1", "fn1")
	c.Set(key, "v1")

	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestSetEvictsOldestWhenFull(t *testing.T) {
	c := codecache.New(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestInvalidateRemovesPlainAndSuffixedVariants(t *testing.T) {
	c := codecache.New(8, time.Minute)
	plain := codecache.Key("app1", "fn1")
	common := codecache.Key("app1", "fn1", "common")
	other := codecache.Key("app1", "fn2")
	c.Set(plain, "v1")
	c.Set(common, "v1-common")
	c.Set(other, "v2")

	c.Invalidate("app1", "fn1")

	_, ok := c.Get(plain)
	assert.False(t, ok)
	_, ok = c.Get(common)
	assert.False(t, ok)
	_, ok = c.Get(other)
	assert.True(t, ok, "unrelated function's entry should survive")
}

func TestClearAppRemovesOnlyThatApplicationsEntries(t *testing.T) {
	c := codecache.New(8, time.Minute)
	c.Set(codecache.Key("app1", "fn1"), "v1")
	c.Set(codecache.Key("app2", "fn1"), "v2")

	c.ClearApp("app1")

	_, ok := c.Get(codecache.Key("app1", "fn1"))
	assert.False(t, ok)
	_, ok = c.Get(codecache.Key("app2", "fn1"))
	assert.True(t, ok)
}

func TestNewDefaultMatchesSourceDefaults(t *testing.T) {
	assert.Equal(t, 1024, codecache.DefaultMaxSize)
	assert.Equal(t, 7200*time.Second, codecache.DefaultTTL)

	c := codecache.NewDefault()
	key := codecache.Key("app1", "fn1")
	c.Set(key, "v1")
	_, ok := c.Get(key)
	assert.True(t, ok)
}
