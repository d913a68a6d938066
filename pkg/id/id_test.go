package id

import (
	"encoding/json"
	"testing"
	"time"
)

func resetClock() { NowMs = func() int64 { return time.Now().UnixMilli() } }

func TestOrderingMonotonic(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 1000 }
	defer resetClock()

	prev := g.Next()
	for i := 0; i < 1000; i++ {
		next := g.Next()
		if prev.Compare(next) >= 0 {
			t.Fatalf("expected %s < %s", prev, next)
		}
		if next.Ms() != 1000 {
			t.Fatalf("unexpected ms %d", next.Ms())
		}
		prev = next
	}
}

func TestClockRegressionGuard(t *testing.T) {
	g := NewGenerator()
	now := int64(1000)
	NowMs = func() int64 { return now }
	defer resetClock()

	a := g.Next() // uses 1000
	now = 900     // clock went backwards
	b := g.Next() // should still be > a
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b>a despite clock regression")
	}
	if b.Ms() != 1000 {
		t.Fatalf("expected pinned ms 1000, got %d", b.Ms())
	}
}

func TestEntropyOverflowAdvancesMs(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 2000 }
	defer resetClock()

	near := FromMs(2000)
	for i := 6; i < 16; i++ {
		near[i] = 0xff
	}
	g.Observe(near)

	next := g.Next()
	if next.Compare(near) <= 0 {
		t.Fatalf("expected id after saturated entropy")
	}
	if next.Ms() != 2001 {
		t.Fatalf("expected logical ms 2001, got %d", next.Ms())
	}
}

func TestRollback(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 3000 }
	defer resetClock()

	a := g.Next()
	prev := g.Last()
	_ = g.Next()
	g.Rollback(prev)
	if g.Last() != a {
		t.Fatalf("rollback did not restore last id")
	}
}

func TestObserveKeepsFloor(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 10 }
	defer resetClock()

	persisted := FromMs(5000)
	g.Observe(persisted)
	if got := g.Next(); got.Compare(persisted) <= 0 {
		t.Fatalf("expected id above observed floor")
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	a := g.Next()
	s := a.String()
	if len(s) != 26 {
		t.Fatalf("unexpected length %d", len(s))
	}
	b, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a != b {
		t.Fatalf("round trip mismatch")
	}
	if _, err := Parse("not-an-id"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestJSON(t *testing.T) {
	a := NewGenerator().Next()
	b, err := json.Marshal(struct{ ID ID }{a})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out struct{ ID ID }
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != a {
		t.Fatalf("json mismatch")
	}
}

func TestNextIsExclusiveCursor(t *testing.T) {
	a := FromMs(42)
	if a.Next().Compare(a) <= 0 {
		t.Fatalf("Next must be greater")
	}
}
