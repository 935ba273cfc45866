package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/reelfetch/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testCache(n int) (*Cache, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newCache(n)
	c.now = clk.now
	return c, clk
}

func TestKey(t *testing.T) {
	a := Key("https://filmfreeway.com/", "http", "", false)
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("https://filmfreeway.com/", "http", "", false))
	assert.NotEqual(t, a, Key("https://filmfreeway.com/", "browser", "", false))
	assert.NotEqual(t, a, Key("https://filmfreeway.com/", "http", "", true))
	assert.NotEqual(t, a, Key("https://filmfreeway.com/", "http", "FR", false))
	assert.Equal(t, Key("https://filmfreeway.com/", "http", "fr", false), Key("https://filmfreeway.com/", "http", "FR", false))
}

func TestGetRespectsMaxAge(t *testing.T) {
	c, clk := testCache(10)
	resp := &models.FetchResponse{Success: true, FinalURL: "https://filmfreeway.com/"}
	c.Set("k", resp)

	_, ok := c.Get("k", 0)
	assert.False(t, ok, "max age 0 disables lookup")

	clk.t = clk.t.Add(500 * time.Millisecond)
	got, ok := c.Get("k", 1000)
	require.True(t, ok)
	assert.Same(t, resp, got)

	clk.t = clk.t.Add(time.Second)
	_, ok = c.Get("k", 1000)
	assert.False(t, ok)

	_, ok = c.Get("missing", 1000)
	assert.False(t, ok)
}

func TestSetEvictsAtCapacity(t *testing.T) {
	c, _ := testCache(2)
	c.Set("a", &models.FetchResponse{})
	c.Set("b", &models.FetchResponse{})
	c.Set("a", &models.FetchResponse{Title: "again"})
	assert.Equal(t, 2, c.Len(), "overwriting does not evict")

	c.Set("c", &models.FetchResponse{})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("c", 1000)
	assert.True(t, ok)
}

func TestEvictExpired(t *testing.T) {
	c, clk := testCache(10)
	c.Set("old", &models.FetchResponse{})
	clk.t = clk.t.Add(maxEntryAge / 2)
	c.Set("new", &models.FetchResponse{})
	clk.t = clk.t.Add(maxEntryAge/2 + time.Minute)

	c.evictExpired()
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("new", int64(maxEntryAge/time.Millisecond))
	assert.True(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(5)
	c.Close()
	c.Close()
}
