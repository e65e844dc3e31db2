package message

import (
	"testing"
	"time"
)

func TestDeduperDropsNearDuplicate(t *testing.T) {
	d := NewDeduper(2 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !d.Observe(Message{ID: 1, UserName: "Fs", Text: "hi", Timestamp: base}) {
		t.Fatal("first sighting must be kept")
	}
	if d.Observe(Message{ID: 2, UserName: "Fs", Text: "hi", Timestamp: base.Add(time.Second)}) {
		t.Error("same sender+text within 2s must be dropped")
	}
}

func TestDeduperKeepsOutsideWindow(t *testing.T) {
	d := NewDeduper(2 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !d.Observe(Message{ID: 1, UserName: "Fs", Text: "hi", Timestamp: base}) {
		t.Fatal("first sighting must be kept")
	}
	if !d.Observe(Message{ID: 2, UserName: "Fs", Text: "hi", Timestamp: base.Add(2 * time.Second)}) {
		t.Error("exactly at window boundary is not a duplicate")
	}
}

func TestDeduperDistinguishesSenderAndText(t *testing.T) {
	d := NewDeduper(2 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d.Observe(Message{ID: 1, UserName: "Fs", Text: "hi", Timestamp: base})

	if !d.Observe(Message{ID: 2, UserName: "Mg", Text: "hi", Timestamp: base}) {
		t.Error("different sender must be kept")
	}
	if !d.Observe(Message{ID: 3, UserName: "Fs", Text: "hello", Timestamp: base}) {
		t.Error("different text must be kept")
	}
}

func TestDeduperHandlesSkewedOrder(t *testing.T) {
	d := NewDeduper(2 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// The later timestamp arrives first; the earlier one is still within
	// the window and must be dropped.
	d.Observe(Message{ID: 2, UserName: "Fs", Text: "hi", Timestamp: base.Add(time.Second)})
	if d.Observe(Message{ID: 1, UserName: "Fs", Text: "hi", Timestamp: base}) {
		t.Error("earlier duplicate within window must be dropped")
	}
}
