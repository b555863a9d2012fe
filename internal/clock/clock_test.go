package clock

import (
	"testing"
	"time"
)

func TestFakeTickerFires(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	tk := c.NewTicker(time.Minute)

	c.Advance(30 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case at := <-tk.C():
		if !at.Equal(start.Add(time.Minute)) {
			t.Errorf("unexpected tick time %v", at)
		}
	default:
		t.Fatal("ticker did not fire")
	}

	if !c.Now().Equal(start.Add(time.Minute)) {
		t.Errorf("unexpected now %v", c.Now())
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
