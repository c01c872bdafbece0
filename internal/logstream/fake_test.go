package logstream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/broker"
)

// fakeBroker is an in-memory JetStream stand-in: it retains every published
// event per subject and honours start sequences.
type fakeBroker struct {
	mu           sync.Mutex
	retained     map[string][]broker.Event
	subs         map[*fakeSub]struct{}
	subscribes   int
	unsubscribes int
	failWith     error
}

type fakeSub struct {
	b       *fakeBroker
	subject string
	from    uint64
	events  chan broker.Event
	done    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string][]broker.Event),
		subs:     make(map[*fakeSub]struct{}),
	}
}

func (b *fakeBroker) Subscribe(_ context.Context, _ string, subject string, start broker.Start) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return nil, b.failWith
	}
	b.subscribes++
	s := &fakeSub{b: b, subject: subject, from: start.First(), events: make(chan broker.Event, 1024)}
	for _, ev := range b.retained[subject] {
		if ev.Sequence >= s.from {
			s.events <- ev
		}
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *fakeBroker) publish(subject string, seqs ...uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, seq := range seqs {
		ev := broker.Event{Sequence: seq, Subject: subject, Data: []byte("line " + strconv.FormatUint(seq, 10))}
		b.retained[subject] = append(b.retained[subject], ev)
		for s := range b.subs {
			if s.subject == subject && seq >= s.from {
				s.events <- ev
			}
		}
	}
}

// terminate ends every live subscription on subject from the broker side.
func (b *fakeBroker) terminate(subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.subject == subject {
			s.done = true
			close(s.events)
			delete(b.subs, s)
		}
	}
}

func (b *fakeBroker) counts() (subscribes, unsubscribes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes, b.unsubscribes
}

func (s *fakeSub) Events() <-chan broker.Event { return s.events }

func (s *fakeSub) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	s.b.unsubscribes++
	close(s.events)
	delete(s.b.subs, s)
	return nil
}

// recordingWriter captures what a session writes.
type recordingWriter struct {
	mu         sync.Mutex
	meta       []access.ContainerRef
	seqs       []uint64
	errors     []string
	ends       []string
	keepAlives int
	failWrites error
}

func (w *recordingWriter) Meta(ref access.ContainerRef) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.meta = append(w.meta, ref)
	return nil
}

func (w *recordingWriter) Event(ev broker.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWrites != nil {
		return w.failWrites
	}
	w.seqs = append(w.seqs, ev.Sequence)
	return nil
}

func (w *recordingWriter) Error(message string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = append(w.errors, message)
	return nil
}

func (w *recordingWriter) End(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ends = append(w.ends, reason)
	return nil
}

func (w *recordingWriter) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keepAlives++
	return nil
}

func (w *recordingWriter) sequences() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.seqs...)
}

func (w *recordingWriter) lastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seqs) == 0 {
		return 0
	}
	return w.seqs[len(w.seqs)-1]
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recv reads one event from ch or fails the test.
func recv(t *testing.T, ch <-chan broker.Event) broker.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return broker.Event{}
}

var errBrokerDown = errors.New("broker down")

// gatedWriter blocks its first Event call until release is closed.
type gatedWriter struct {
	recordingWriter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *gatedWriter) Event(ev broker.Event) error {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	return w.recordingWriter.Event(ev)
}

// gatedBroker holds Subscribe calls until open is closed, failing them if
// the caller's context ends first.
type gatedBroker struct {
	*fakeBroker
	entered chan struct{}
	open    chan struct{}
	once    sync.Once
}

func (b *gatedBroker) Subscribe(ctx context.Context, endpoint, subject string, start broker.Start) (broker.Subscription, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.fakeBroker.Subscribe(ctx, endpoint, subject, start)
}

// waitClosed fails the test unless ch is closed in time.
func waitClosed(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
