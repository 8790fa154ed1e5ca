package cache_test

import (
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/cache"
	"github.com/bcnelson/instance-rental/internal/clock"
)

func TestTTLExpiry(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := cache.New[string, int](clk, 0)

	c.Put("a", 1, 10*time.Minute)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Expected cached value 1, got %d (ok=%v)", v, ok)
	}

	clk.Advance(9 * time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Error("Expected entry to survive before its TTL")
	}

	clk.Advance(time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("Expected entry to expire at its TTL")
	}
}

func TestTTLEvictsWhenFull(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c := cache.New[string, string](clk, 2)

	c.Put("first", "1", time.Minute)
	c.Put("second", "2", time.Hour)
	c.Put("third", "3", time.Hour)

	if c.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("first"); ok {
		t.Error("Expected the entry closest to expiry to be evicted")
	}
	if _, ok := c.Get("third"); !ok {
		t.Error("Expected newest entry to be present")
	}
}

func TestTTLOverwrite(t *testing.T) {
	c := cache.New[string, int](clock.Fake(time.Unix(0, 0)), 0)
	c.Put("k", 1, time.Minute)
	c.Put("k", 2, time.Minute)
	if v, _ := c.Get("k"); v != 2 {
		t.Errorf("Expected last write to win, got %d", v)
	}
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("Expected entry to be deleted")
	}
}
