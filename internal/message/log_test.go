package message

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case m, ok := <-sub.C:
			if !ok {
				t.Fatalf("stream closed after %d of %d messages (err=%v)", len(out), n, sub.Err())
			}
			out = append(out, m)
		case <-timeout:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(out))
		}
	}
	return out
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	l := NewLog()

	var prev uint64
	for i := 0; i < 10; i++ {
		m, err := l.Append("Fs", fmt.Sprintf("msg-%d", i), time.Now())
		if err != nil {
			t.Fatalf("append %d: unexpected error: %v", i, err)
		}
		if m.ID <= prev {
			t.Fatalf("append %d: id %d not greater than previous %d", i, m.ID, prev)
		}
		prev = m.ID
	}
	if l.LastID() != 10 {
		t.Errorf("expected last id 10, got %d", l.LastID())
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	l := NewLog()

	cases := []struct {
		name     string
		userName string
		text     string
	}{
		{"empty user", "", "hello"},
		{"empty text", "Fs", ""},
		{"whitespace text", "Fs", "   \t\n"},
	}

	for _, tc := range cases {
		_, err := l.Append(tc.userName, tc.text, time.Now())
		if err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
			continue
		}
		if _, ok := err.(*ValidationError); !ok {
			t.Errorf("%s: expected *ValidationError, got %T", tc.name, err)
		}
	}

	if l.LastID() != 0 {
		t.Errorf("rejected appends must not consume ids, last id = %d", l.LastID())
	}
}

func TestSubscribeReplaysSinceID(t *testing.T) {
	l := NewLog()

	for i := 1; i <= 5; i++ {
		if _, err := l.Append("Fs", fmt.Sprintf("msg-%d", i), time.Now()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sub := l.Subscribe(NewFilter("Fs", "Mg"), 2, 0)
	defer sub.Cancel()

	got := collect(t, sub, 3)
	for i, m := range got {
		want := uint64(i + 3)
		if m.ID != want {
			t.Errorf("replay[%d]: expected id %d, got %d", i, want, m.ID)
		}
	}
}

func TestSubscribeReplayThenLiveNoGap(t *testing.T) {
	l := NewLog()

	for i := 1; i <= 3; i++ {
		if _, err := l.Append("Fs", fmt.Sprintf("old-%d", i), time.Now()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sub := l.Subscribe(NewFilter("Fs"), 0, 0)
	defer sub.Cancel()

	for i := 4; i <= 6; i++ {
		if _, err := l.Append("Fs", fmt.Sprintf("new-%d", i), time.Now()); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got := collect(t, sub, 6)
	for i, m := range got {
		if m.ID != uint64(i+1) {
			t.Fatalf("delivery[%d]: expected id %d, got %d (gap or reorder)", i, i+1, m.ID)
		}
	}
}

func TestSubscribeFilterExcludesOtherSenders(t *testing.T) {
	l := NewLog()

	sub := l.Subscribe(NewFilter("Fs", "Mg"), 0, 0)
	defer sub.Cancel()

	l.Append("Fs", "in scope", time.Now())
	l.Append("Zz", "out of scope", time.Now())
	l.Append("Mg", "also in scope", time.Now())

	got := collect(t, sub, 2)
	if got[0].UserName != "Fs" || got[1].UserName != "Mg" {
		t.Errorf("unexpected senders: %q, %q", got[0].UserName, got[1].UserName)
	}
}

func TestConcurrentAppendsNoLostIDs(t *testing.T) {
	l := NewLog()

	const goroutines = 20
	const perGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				if _, err := l.Append("Fs", fmt.Sprintf("g%d-m%d", g, i), time.Now()); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if l.LastID() != goroutines*perGoroutine {
		t.Fatalf("expected last id %d, got %d", goroutines*perGoroutine, l.LastID())
	}

	// Every id from 1..N must be present exactly once.
	msgs := l.Since(Filter{}, 0)
	if len(msgs) != goroutines*perGoroutine {
		t.Fatalf("expected %d messages, got %d", goroutines*perGoroutine, len(msgs))
	}
	for i, m := range msgs {
		if m.ID != uint64(i+1) {
			t.Fatalf("entry %d: expected id %d, got %d", i, i+1, m.ID)
		}
	}
}

func TestSlowSubscriberDropsWithOverflow(t *testing.T) {
	l := NewLog()

	// Tiny buffer and no reader: the live pushes must trip the bound.
	sub := l.Subscribe(NewFilter("Fs"), 0, 2)

	for i := 0; i < 10; i++ {
		l.Append("Fs", fmt.Sprintf("msg-%d", i), time.Now())
	}

	// The stream must terminate with ErrOverflow.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				if sub.Err() != ErrOverflow {
					t.Fatalf("expected ErrOverflow, got %v", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not terminate after overflow")
		}
	}
}

func TestOverflowDoesNotAffectOtherSubscribers(t *testing.T) {
	l := NewLog()

	slow := l.Subscribe(NewFilter("Fs"), 0, 1)
	healthy := l.Subscribe(NewFilter("Fs"), 0, 0)
	defer healthy.Cancel()

	for i := 0; i < 5; i++ {
		l.Append("Fs", fmt.Sprintf("msg-%d", i), time.Now())
	}

	got := collect(t, healthy, 5)
	if len(got) != 5 {
		t.Fatalf("healthy subscriber: expected 5 messages, got %d", len(got))
	}
	_ = slow
}

func TestCancelIsIdempotent(t *testing.T) {
	l := NewLog()

	sub := l.Subscribe(NewFilter("Fs"), 0, 0)
	sub.Cancel()
	sub.Cancel()

	if sub.Err() != nil {
		t.Errorf("expected nil error after plain cancel, got %v", sub.Err())
	}

	// Appends after cancel must not panic or block.
	if _, err := l.Append("Fs", "after cancel", time.Now()); err != nil {
		t.Fatalf("append after cancel: %v", err)
	}
}
