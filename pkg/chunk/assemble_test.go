package chunk

import (
	"strings"
	"testing"
	"time"
)

func TestAbsorbOutOfOrder(t *testing.T) {
	a := NewAssembler(0)
	now := time.Now()

	if _, done := a.Absorb("n1|ch", Part{Index: 3, Total: 3, Payload: "three"}, now); done {
		t.Fatal("completed with one of three parts")
	}
	if _, done := a.Absorb("n1|ch", Part{Index: 1, Total: 3, Payload: "one "}, now); done {
		t.Fatal("completed with two of three parts")
	}
	full, done := a.Absorb("n1|ch", Part{Index: 2, Total: 3, Payload: "two "}, now)
	if !done {
		t.Fatal("all parts present but not completed")
	}
	if full != "one two three" {
		t.Errorf("reassembled %q", full)
	}
	if a.Pending() != 0 {
		t.Errorf("completed group still pending: %d", a.Pending())
	}
}

func TestAbsorbSinglePartPassesThrough(t *testing.T) {
	a := NewAssembler(0)
	full, done := a.Absorb("n1|ch", Part{Index: 1, Total: 1, Payload: "hi"}, time.Now())
	if !done || full != "hi" {
		t.Errorf("got (%q, %v)", full, done)
	}
}

func TestAbsorbDuplicatesIgnored(t *testing.T) {
	a := NewAssembler(0)
	now := time.Now()
	a.Absorb("k", Part{Index: 1, Total: 2, Payload: "first "}, now)
	a.Absorb("k", Part{Index: 1, Total: 2, Payload: "FIRST "}, now)
	full, done := a.Absorb("k", Part{Index: 2, Total: 2, Payload: "second"}, now)
	if !done {
		t.Fatal("expected completion")
	}
	if full != "first second" {
		t.Errorf("duplicate overwrote original: %q", full)
	}
}

func TestAbsorbSendersDoNotMix(t *testing.T) {
	a := NewAssembler(0)
	now := time.Now()
	a.Absorb("alice|ch", Part{Index: 1, Total: 2, Payload: "a1 "}, now)
	a.Absorb("bob|ch", Part{Index: 1, Total: 2, Payload: "b1 "}, now)
	full, done := a.Absorb("alice|ch", Part{Index: 2, Total: 2, Payload: "a2"}, now)
	if !done || full != "a1 a2" {
		t.Errorf("got (%q, %v)", full, done)
	}
	if a.Pending() != 1 {
		t.Errorf("bob's group should still pend, Pending=%d", a.Pending())
	}
}

func TestSweepExpiresIncompleteGroups(t *testing.T) {
	a := NewAssembler(time.Minute)
	start := time.Now()
	a.Absorb("k", Part{Index: 1, Total: 3, Payload: "x"}, start)

	if n := a.Sweep(start.Add(30 * time.Second)); n != 0 {
		t.Errorf("swept fresh group: %d", n)
	}
	if n := a.Sweep(start.Add(2 * time.Minute)); n != 1 {
		t.Errorf("expected 1 expired group, got %d", n)
	}

	// A late part after expiry restarts the group instead of completing.
	if _, done := a.Absorb("k", Part{Index: 2, Total: 3, Payload: "y"}, start.Add(2*time.Minute)); done {
		t.Error("expired group completed from a late part")
	}
}

func TestSplitAbsorbEndToEnd(t *testing.T) {
	text := strings.Repeat("bridging radio and chat one chunk at a time ", 10)
	parts, err := Split(text, 200)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) < 2 {
		t.Fatalf("want multi-part, got %d", len(parts))
	}

	a := NewAssembler(0)
	now := time.Now()
	// Feed in reverse to exercise order independence.
	var full string
	var done bool
	for i := len(parts) - 1; i >= 0; i-- {
		full, done = a.Absorb("node|primary", ParseMarker(parts[i].Payload), now)
	}
	if !done {
		t.Fatal("never completed")
	}
	if full != text {
		t.Errorf("round trip differs (len %d vs %d)", len(full), len(text))
	}
}
