package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/emberchat/sync-server/internal/message"
	"github.com/emberchat/sync-server/internal/metrics"
)

// testConfig compresses the expiry windows so timeout-driven behavior is
// observable within a test run.
func testConfig() Config {
	return Config{
		PresenceTimeout:   200 * time.Millisecond,
		TypingQuietWindow: 120 * time.Millisecond,
		DedupWindow:       2 * time.Second,
		HeartbeatPeriod:   50 * time.Millisecond,
		SubscriberBuffer:  64,
	}
}

func recvMessage(t *testing.T, s *Session) message.Message {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		if !ok {
			t.Fatal("message stream closed unexpectedly")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return message.Message{}
}

func recvTyping(t *testing.T, s *Session) bool {
	t.Helper()
	select {
	case v, ok := <-s.Typing():
		if !ok {
			t.Fatal("typing stream closed unexpectedly")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing value")
	}
	return false
}

func recvPresence(t *testing.T, s *Session) bool {
	t.Helper()
	select {
	case rec, ok := <-s.Presence():
		if !ok {
			t.Fatal("presence stream closed unexpectedly")
		}
		return rec.IsOnline
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence record")
	}
	return false
}

func TestConnectValidatesIdentities(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	cases := []struct {
		name string
		user string
		peer string
	}{
		{"empty user", "", "Mg"},
		{"empty peer", "Fs", ""},
		{"self conversation", "Fs", "Fs"},
	}

	for _, tc := range cases {
		_, err := e.Connect(tc.user, tc.peer)
		if err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
			continue
		}
		var verr *message.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %T", tc.name, err)
		}
	}
}

func TestSendRoundTrip(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, err := e.Connect("A", "B")
	if err != nil {
		t.Fatalf("connect A: %v", err)
	}
	defer a.Close()

	b, err := e.Connect("B", "A")
	if err != nil {
		t.Fatalf("connect B: %v", err)
	}
	defer b.Close()

	sent, err := a.Send("hello", time.Now())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ID != 1 {
		t.Errorf("expected id 1, got %d", sent.ID)
	}

	// Both the sender and the peer receive the accepted message.
	for _, s := range []*Session{a, b} {
		m := recvMessage(t, s)
		if m.ID != 1 || m.Text != "hello" || m.UserName != "A" {
			t.Errorf("session %s: unexpected message %+v", s.User(), m)
		}
	}
}

func TestSendRejectsEmptyText(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, err := e.Connect("A", "B")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Close()

	_, err = a.Send("   ", time.Now())
	var verr *message.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestResumeReplaysFromCursor(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, err := e.Connect("A", "B")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	for _, text := range []string{"one", "two", "three"} {
		if _, err := a.Send(text, time.Now()); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}
	a.Close()

	// Reconnect having acknowledged id 1: ids 2 and 3 replay, no gaps.
	resumed, err := e.Resume("A", "B", 1)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer resumed.Close()

	first := recvMessage(t, resumed)
	second := recvMessage(t, resumed)
	if first.ID != 2 || second.ID != 3 {
		t.Errorf("expected replay ids 2,3; got %d,%d", first.ID, second.ID)
	}
}

func TestTypingDebounceEndToEnd(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, err := e.Connect("A", "B")
	if err != nil {
		t.Fatalf("connect A: %v", err)
	}
	defer a.Close()

	b, err := e.Connect("B", "A")
	if err != nil {
		t.Fatalf("connect B: %v", err)
	}
	defer b.Close()

	if recvTyping(t, a) {
		t.Fatal("expected initial typing=false")
	}

	if err := b.SetTyping(true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if !recvTyping(t, a) {
		t.Fatal("expected typing=true after peer keystroke")
	}

	// B stays idle: the quiet window expires without any further write.
	if recvTyping(t, a) {
		t.Fatal("expected typing=false after quiet window")
	}
}

func TestSendClearsSenderTyping(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, _ := e.Connect("A", "B")
	defer a.Close()
	b, _ := e.Connect("B", "A")
	defer b.Close()

	recvTyping(t, a) // initial false

	b.SetTyping(true)
	if !recvTyping(t, a) {
		t.Fatal("expected typing=true")
	}

	if _, err := b.Send("done typing", time.Now()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if recvTyping(t, a) {
		t.Fatal("send must clear the sender's typing flag")
	}
}

func TestPresenceExpiresAfterSessionClose(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, err := e.Connect("A", "B")
	if err != nil {
		t.Fatalf("connect A: %v", err)
	}
	defer a.Close()

	b, err := e.Connect("B", "A")
	if err != nil {
		t.Fatalf("connect B: %v", err)
	}

	// A sees B come online (initial snapshot may already be online).
	online := recvPresence(t, a)
	if !online {
		online = recvPresence(t, a)
	}
	if !online {
		t.Fatal("expected B to be reported online")
	}

	// B vanishes without an explicit offline write. Within the presence
	// timeout A's stream must flip to offline.
	b.Close()

	deadline := time.After(2 * time.Second)
	select {
	case rec, ok := <-a.Presence():
		if !ok {
			t.Fatal("presence stream closed unexpectedly")
		}
		if rec.IsOnline {
			t.Errorf("expected offline record, got %+v", rec)
		}
	case <-deadline:
		t.Fatal("presence never expired after peer disappeared")
	}
}

func TestSetOnlineFalseWhileConnected(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, _ := e.Connect("A", "B")
	defer a.Close()

	if err := a.SetOnline(false); err != nil {
		t.Fatalf("set online: %v", err)
	}

	// The heartbeat keeps running but asserts offline now.
	time.Sleep(120 * time.Millisecond)
	if e.Presence("A").IsOnline {
		t.Error("expected A to report offline after SetOnline(false)")
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, _ := e.Connect("A", "B")
	a.Close()
	a.Close() // idempotent

	if _, err := a.Send("late", time.Now()); err != ErrSessionClosed {
		t.Errorf("Send: expected ErrSessionClosed, got %v", err)
	}
	if err := a.SetTyping(true); err != ErrSessionClosed {
		t.Errorf("SetTyping: expected ErrSessionClosed, got %v", err)
	}
	if err := a.SetOnline(true); err != ErrSessionClosed {
		t.Errorf("SetOnline: expected ErrSessionClosed, got %v", err)
	}
}

func TestDuplicateSendSuppressedOnDelivery(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, _ := e.Connect("A", "B")
	defer a.Close()

	ts := time.Now()
	if _, err := a.Send("hi", ts); err != nil {
		t.Fatalf("send: %v", err)
	}
	// A blind retry lands in the log but must not render twice.
	if _, err := a.Send("hi", ts.Add(time.Second)); err != nil {
		t.Fatalf("retry send: %v", err)
	}
	if _, err := a.Send("different", ts.Add(time.Second)); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := recvMessage(t, a)
	second := recvMessage(t, a)
	if first.Text != "hi" || second.Text != "different" {
		t.Errorf("expected [hi, different], got [%s, %s]", first.Text, second.Text)
	}

	// Both appends consumed ids: the log stays ground truth.
	if e.LastID() != 3 {
		t.Errorf("expected last id 3, got %d", e.LastID())
	}
}

func TestConvKeyIsOrderIndependent(t *testing.T) {
	if ConvKey("Fs", "Mg") != ConvKey("Mg", "Fs") {
		t.Error("conversation key must not depend on argument order")
	}
	if ConvKey("Fs", "Mg") != "Fs:Mg" {
		t.Errorf("unexpected key %q", ConvKey("Fs", "Mg"))
	}
}

func TestDuplicateDeliveryCounted(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	a, _ := e.Connect("A", "B")
	defer a.Close()

	before := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("duplicate"))

	ts := time.Now()
	if _, err := a.Send("hi", ts); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := a.Send("hi", ts.Add(time.Second)); err != nil {
		t.Fatalf("retry send: %v", err)
	}
	if _, err := a.Send("different", ts.Add(time.Second)); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Receiving the third message proves the pump already passed the retry.
	recvMessage(t, a)
	if m := recvMessage(t, a); m.Text != "different" {
		t.Fatalf("expected different, got %q", m.Text)
	}

	after := testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues("duplicate"))
	if after != before+1 {
		t.Errorf("expected duplicate count %v, got %v", before+1, after)
	}
}
