package clock_test

import (
	"testing"
	"time"

	"github.com/bcnelson/instance-rental/internal/clock"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.Fake(start)

	ch := c.After(time.Minute)
	c.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("Expected After not to fire before its deadline")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Minute)) {
			t.Errorf("Expected fire time %v, got %v", start.Add(time.Minute), got)
		}
	default:
		t.Fatal("Expected After to fire at its deadline")
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("Expected tick %d", i+1)
		}
	}

	ticker.Stop()
	c.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Error("Expected no tick after Stop")
	default:
	}
}
