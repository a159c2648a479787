package id

import (
	"testing"
	"time"
)

func TestNextIsMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("id %s not greater than %s", cur, prev)
		}
		prev = cur
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	want := g.Next()
	got, err := Parse(want.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %s != %s", got, want)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("want error for short input")
	}
	if _, err := Parse("zz000000000000000000000000000000"); err == nil {
		t.Fatalf("want error for non-hex input")
	}
}

func TestClockBackwardsKeepsOrder(t *testing.T) {
	g := NewGenerator()
	base := int64(1_000_000)
	NowMs = func() int64 { return base }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next()
	base = 999_999 // clock jumps back
	b := g.Next()
	if b.Compare(a) <= 0 {
		t.Fatalf("expected ordering preserved across clock regression")
	}
}
