package typing

import (
	"testing"
	"time"
)

func recvBool(t *testing.T, sub *Subscription) bool {
	t.Helper()
	select {
	case v, ok := <-sub.C:
		if !ok {
			t.Fatalf("stream closed unexpectedly (err=%v)", sub.Err())
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing value")
	}
	return false
}

func TestGetUnknownPairIsFalse(t *testing.T) {
	tr := NewTracker(DefaultQuietWindow)
	defer tr.Close()

	if tr.Get("Fs", "Mg") {
		t.Error("unknown pair must report not typing")
	}
}

func TestSetThenGet(t *testing.T) {
	tr := NewTracker(DefaultQuietWindow)
	defer tr.Close()

	tr.Set("Fs", "Mg", true)
	if !tr.Get("Fs", "Mg") {
		t.Error("expected typing after set")
	}

	// Directions are independent.
	if tr.Get("Mg", "Fs") {
		t.Error("reverse direction must be unaffected")
	}
}

func TestQuietWindowExpiresOnRead(t *testing.T) {
	tr := NewTracker(60 * time.Millisecond)
	defer tr.Close()

	tr.Set("Fs", "Mg", true)
	time.Sleep(100 * time.Millisecond)

	if tr.Get("Fs", "Mg") {
		t.Error("expected not typing after quiet window elapsed")
	}
}

func TestKeystrokeRenewsWindow(t *testing.T) {
	tr := NewTracker(80 * time.Millisecond)
	defer tr.Close()

	tr.Set("Fs", "Mg", true)
	time.Sleep(50 * time.Millisecond)
	tr.Set("Fs", "Mg", true) // renewed keystroke
	time.Sleep(50 * time.Millisecond)

	if !tr.Get("Fs", "Mg") {
		t.Error("renewed keystroke must reset the quiet window")
	}
}

func TestClearDropsImmediately(t *testing.T) {
	tr := NewTracker(DefaultQuietWindow)
	defer tr.Close()

	tr.Set("Fs", "Mg", true)
	tr.Clear("Fs", "Mg")

	if tr.Get("Fs", "Mg") {
		t.Error("expected not typing after explicit clear")
	}
}

func TestSubscribeEmitsOnlyOnTransitions(t *testing.T) {
	tr := NewTracker(DefaultQuietWindow)
	defer tr.Close()

	sub := tr.Subscribe("Fs", "Mg", 0)
	defer sub.Cancel()

	if recvBool(t, sub) {
		t.Error("initial value for unseen pair must be false")
	}

	tr.Set("Fs", "Mg", true)
	if !recvBool(t, sub) {
		t.Error("expected true transition")
	}

	// Renewed keystrokes while already typing must not emit.
	tr.Set("Fs", "Mg", true)
	tr.Set("Fs", "Mg", true)
	select {
	case v := <-sub.C:
		t.Errorf("unexpected emission on renewed keystroke: %v", v)
	case <-time.After(50 * time.Millisecond):
	}

	tr.Clear("Fs", "Mg")
	if recvBool(t, sub) {
		t.Error("expected false transition after clear")
	}
}

func TestSweepEmitsFalseAfterQuietWindow(t *testing.T) {
	tr := NewTracker(60 * time.Millisecond)
	defer tr.Close()

	sub := tr.Subscribe("Mg", "Fs", 0)
	defer sub.Cancel()

	if recvBool(t, sub) {
		t.Fatal("expected initial false")
	}

	tr.Set("Mg", "Fs", true)
	if !recvBool(t, sub) {
		t.Fatal("expected true transition")
	}

	// Stay idle: the sweep must emit false without any further write.
	deadline := time.After(2 * time.Second)
	select {
	case v, ok := <-sub.C:
		if !ok {
			t.Fatalf("stream closed unexpectedly (err=%v)", sub.Err())
		}
		if v {
			t.Error("expected false after quiet window")
		}
	case <-deadline:
		t.Fatal("sweep never emitted the idle transition")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	tr := NewTracker(DefaultQuietWindow)
	defer tr.Close()

	sub := tr.Subscribe("Fs", "Mg", 0)
	sub.Cancel()
	sub.Cancel()

	if sub.Err() != nil {
		t.Errorf("expected nil error after plain cancel, got %v", sub.Err())
	}

	tr.Set("Fs", "Mg", true)
}
