package logstream

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/broker"
)

var testRef = access.ContainerRef{HostLabel: "A", DockerID: "abc", ServerID: "srv-1"}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

// openAsync runs Open in the background and returns a channel with its
// result.
func openAsync(s *Streamer, ctx context.Context, w EventWriter, req OpenRequest) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Open(ctx, w, req) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return")
	}
	return nil
}

func TestSubject(t *testing.T) {
	if got := Subject("abc"); got != testSubject {
		t.Fatalf("Subject = %q", got)
	}
}

func TestStreamerResumeAfterLastSeq(t *testing.T) {
	fb := newFakeBroker()
	fb.publish(testSubject, seqRange(1, 50)...)
	s := NewStreamer(NewHub(fb, 64), fb)

	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{}
	last := uint64(42)
	done := openAsync(s, ctx, w, OpenRequest{Ref: testRef, LastSeq: &last})

	eventually(t, "backlog after 42", func() bool { return w.lastSeq() == 50 })
	fb.publish(testSubject, 51, 52)
	eventually(t, "live events", func() bool { return w.lastSeq() == 52 })

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Open returned %v", err)
	}

	if got, want := w.sequences(), seqRange(43, 52); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	if len(w.meta) != 1 || w.meta[0] != testRef {
		t.Fatalf("meta = %+v", w.meta)
	}
}

func TestStreamerFullBacklogWithoutLastSeq(t *testing.T) {
	fb := newFakeBroker()
	fb.publish(testSubject, seqRange(1, 5)...)
	s := NewStreamer(NewHub(fb, 64), fb)

	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{}
	done := openAsync(s, ctx, w, OpenRequest{Ref: testRef})

	eventually(t, "full backlog", func() bool { return w.lastSeq() == 5 })
	cancel()
	waitDone(t, done)

	if got := w.sequences(); !reflect.DeepEqual(got, seqRange(1, 5)) {
		t.Fatalf("delivered %v", got)
	}
}

func TestStreamerLateJoinerCatchesUp(t *testing.T) {
	fb := newFakeBroker()
	fb.publish(testSubject, seqRange(1, 5)...)
	hub := NewHub(fb, 64)
	s := NewStreamer(hub, fb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &recordingWriter{}
	doneA := openAsync(s, ctx, a, OpenRequest{Ref: testRef, ClientID: "A"})
	eventually(t, "A backlog", func() bool { return a.lastSeq() == 5 })

	// B resumes behind the shared channel's tail and needs 3..5 replayed.
	b := &recordingWriter{}
	last := uint64(2)
	ctxB, cancelB := context.WithCancel(ctx)
	doneB := openAsync(s, ctxB, b, OpenRequest{Ref: testRef, LastSeq: &last, ClientID: "B"})
	eventually(t, "B replay", func() bool { return b.lastSeq() == 5 })

	fb.publish(testSubject, 6, 7, 8)
	eventually(t, "B live", func() bool { return b.lastSeq() == 8 })
	eventually(t, "A live", func() bool { return a.lastSeq() == 8 })

	if got := b.sequences(); !reflect.DeepEqual(got, seqRange(3, 8)) {
		t.Fatalf("B delivered %v, want 3..8 without gaps or duplicates", got)
	}
	if got := a.sequences(); !reflect.DeepEqual(got, seqRange(1, 8)) {
		t.Fatalf("A delivered %v", got)
	}

	subs, unsubs := fb.counts()
	if subs != 2 || unsubs != 1 {
		t.Fatalf("subscribes/unsubscribes = %d/%d, want 2/1 (replay closed after catch-up)", subs, unsubs)
	}
	if hub.Listeners("", testSubject) != 2 {
		t.Fatal("both sessions should share the channel")
	}

	cancelB()
	waitDone(t, doneB)
	cancel()
	waitDone(t, doneA)
	eventually(t, "channel teardown", func() bool { return hub.Channels() == 0 })
}

func TestStreamerCatchUpAfterSinkOverflow(t *testing.T) {
	fb := newFakeBroker()
	fb.publish(testSubject, 1, 2, 3)
	hub := NewHub(fb, 4)
	s := NewStreamer(hub, fb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &recordingWriter{}
	doneA := openAsync(s, ctx, a, OpenRequest{Ref: testRef, ClientID: "A"})
	eventually(t, "A backlog", func() bool { return a.lastSeq() == 3 })

	// B replays 1..3 and stalls on its first write while the channel moves
	// far past what B's sink can hold.
	b := newGatedWriter()
	doneB := openAsync(s, ctx, b, OpenRequest{Ref: testRef, ClientID: "B"})
	waitClosed(t, "B first write", b.entered)
	for seq := uint64(4); seq <= 20; seq++ {
		fb.publish(testSubject, seq)
		eventually(t, "A live", func() bool { return a.lastSeq() == seq })
	}
	close(b.release)

	eventually(t, "B catch-up", func() bool { return b.lastSeq() == 20 })
	fb.publish(testSubject, 21, 22)
	eventually(t, "B live", func() bool { return b.lastSeq() == 22 })

	if got := b.sequences(); !reflect.DeepEqual(got, seqRange(1, 22)) {
		t.Fatalf("B delivered %v, want 1..22 without gaps or duplicates", got)
	}

	cancel()
	waitDone(t, doneB)
	waitDone(t, doneA)
}

func TestStreamerRepairsLiveOverflow(t *testing.T) {
	fb := newFakeBroker()
	hub := NewHub(fb, 4)
	s := NewStreamer(hub, fb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &recordingWriter{}
	doneA := openAsync(s, ctx, a, OpenRequest{Ref: testRef, ClientID: "A"})
	eventually(t, "A attach", func() bool { return hub.Listeners("", testSubject) == 1 })

	b := newGatedWriter()
	doneB := openAsync(s, ctx, b, OpenRequest{Ref: testRef, ClientID: "B"})
	eventually(t, "B attach", func() bool { return hub.Listeners("", testSubject) == 2 })

	fb.publish(testSubject, 1)
	waitClosed(t, "B first write", b.entered)
	for seq := uint64(2); seq <= 20; seq++ {
		fb.publish(testSubject, seq)
		eventually(t, "A live", func() bool { return a.lastSeq() == seq })
	}
	close(b.release)

	eventually(t, "B repaired", func() bool { return b.lastSeq() == 20 })
	fb.publish(testSubject, 21)
	eventually(t, "B live", func() bool { return b.lastSeq() == 21 })

	if got := b.sequences(); !reflect.DeepEqual(got, seqRange(1, 21)) {
		t.Fatalf("B delivered %v, want 1..21", got)
	}
	if got := a.sequences(); !reflect.DeepEqual(got, seqRange(1, 21)) {
		t.Fatalf("A delivered %v", got)
	}

	cancel()
	waitDone(t, doneB)
	waitDone(t, doneA)
}

func TestStreamerCancelTearsDownSubscription(t *testing.T) {
	fb := newFakeBroker()
	hub := NewHub(fb, 8)
	s := NewStreamer(hub, fb)

	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{}
	done := openAsync(s, ctx, w, OpenRequest{Ref: testRef})

	eventually(t, "attach", func() bool { return hub.Listeners("", testSubject) == 1 })
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Open returned %v", err)
	}

	if hub.Channels() != 0 {
		t.Fatal("channel left registered after client disconnect")
	}
	if _, unsubs := fb.counts(); unsubs != 1 {
		t.Fatalf("unsubscribes = %d, want 1", unsubs)
	}

	fb.publish(testSubject, 1)
	if len(w.sequences()) != 0 {
		t.Fatal("event written after disconnect")
	}
}

func TestStreamerTimeoutSendsEnd(t *testing.T) {
	fb := newFakeBroker()
	hub := NewHub(fb, 8)
	s := &Streamer{Hub: hub, Replay: fb, TTL: 30 * time.Millisecond, KeepAlive: time.Hour}

	w := &recordingWriter{}
	if err := waitDone(t, openAsync(s, context.Background(), w, OpenRequest{Ref: testRef})); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(w.ends, []string{EndTimeout}) {
		t.Fatalf("ends = %v", w.ends)
	}
	if hub.Channels() != 0 {
		t.Fatal("channel left registered after timeout")
	}
}

func TestStreamerKeepAlive(t *testing.T) {
	fb := newFakeBroker()
	s := &Streamer{Hub: NewHub(fb, 8), Replay: fb, TTL: time.Minute, KeepAlive: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{}
	done := openAsync(s, ctx, w, OpenRequest{Ref: testRef})
	eventually(t, "keep-alive", func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.keepAlives >= 2
	})
	cancel()
	waitDone(t, done)
}

func TestStreamerSubscribeFailureWritesErrorEvent(t *testing.T) {
	fb := newFakeBroker()
	fb.failWith = errBrokerDown
	s := NewStreamer(NewHub(fb, 8), fb)

	w := &recordingWriter{}
	if err := s.Open(context.Background(), w, OpenRequest{Ref: testRef}); err != nil {
		t.Fatalf("Open returned %v, want nil", err)
	}
	if len(w.meta) != 1 {
		t.Fatal("meta must precede the error event")
	}
	if !reflect.DeepEqual(w.errors, []string{SubscribeFailedMessage}) {
		t.Fatalf("errors = %v", w.errors)
	}
}

func TestStreamerUpstreamEndClosesSession(t *testing.T) {
	fb := newFakeBroker()
	s := NewStreamer(NewHub(fb, 8), fb)

	w := &recordingWriter{}
	done := openAsync(s, context.Background(), w, OpenRequest{Ref: testRef})
	eventually(t, "attach", func() bool { return s.Hub.Listeners("", testSubject) == 1 })

	fb.terminate(testSubject)
	waitDone(t, done)
	if !reflect.DeepEqual(w.ends, []string{EndClosed}) {
		t.Fatalf("ends = %v", w.ends)
	}
}

func TestStreamerWriteFailureDetaches(t *testing.T) {
	fb := newFakeBroker()
	hub := NewHub(fb, 8)
	s := NewStreamer(hub, fb)

	broken := errors.New("broken pipe")
	w := &recordingWriter{failWrites: broken}
	done := openAsync(s, context.Background(), w, OpenRequest{Ref: testRef})
	eventually(t, "attach", func() bool { return hub.Listeners("", testSubject) == 1 })

	fb.publish(testSubject, 1)
	if err := waitDone(t, done); !errors.Is(err, broken) {
		t.Fatalf("Open returned %v, want write error", err)
	}
	if hub.Channels() != 0 {
		t.Fatal("channel left registered after write failure")
	}
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatal(err)
	}

	_ = w.Meta(testRef)
	_ = w.Event(broker.Event{Sequence: 7, Data: []byte("first\r\nsecond")})
	_ = w.KeepAlive()
	_ = w.Error(SubscribeFailedMessage)
	_ = w.End(EndTimeout)

	want := strings.Join([]string{
		`event: meta`,
		`data: {"hostLabel":"A","containerId":"abc","serverId":"srv-1"}`,
		``,
		`id: 7`,
		`data: first`,
		`data: second`,
		``,
		`: keepalive`,
		``,
		`event: error`,
		`data: {"message":"Failed to subscribe to logs stream"}`,
		``,
		`event: end`,
		`data: "timeout"`,
		``,
		``,
	}, "\n")
	if got := rec.Body.String(); got != want {
		t.Fatalf("body:\n%s\nwant:\n%s", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	if !rec.Flushed {
		t.Fatal("writer did not flush")
	}
}
