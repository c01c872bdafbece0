package logstream

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/broker"
)

const (
	// DefaultTTL is how long a session lives before it is ended with
	// EndTimeout.
	DefaultTTL = 15 * time.Minute
	// DefaultKeepAlive is the interval between keep-alive frames.
	DefaultKeepAlive = 15 * time.Second

	// SubscribeFailedMessage is sent in the error event when no upstream
	// subscription could be opened.
	SubscribeFailedMessage = "Failed to subscribe to logs stream"

	// EndTimeout is the end reason sent when the session TTL expires.
	EndTimeout = "timeout"
	// EndClosed is the end reason sent when the upstream subscription ends.
	EndClosed = "closed"
)

// Subject is the broker subject that carries a container's log lines.
func Subject(dockerID string) string {
	return "logs.container." + dockerID
}

// EventWriter is the wire encoding of one session. Implementations need not
// be safe for concurrent use; a session writes from a single goroutine.
type EventWriter interface {
	Meta(ref access.ContainerRef) error
	Event(ev broker.Event) error
	Error(message string) error
	End(reason string) error
	KeepAlive() error
}

// OpenRequest describes one client stream.
type OpenRequest struct {
	Ref      access.ContainerRef
	Endpoint string
	// LastSeq, when set, is the last sequence the client already holds.
	LastSeq *uint64
	// ClientID identifies the client in the hub. Generated when empty.
	ClientID string
}

// Start is the point the client wants to read from.
func (r OpenRequest) Start() broker.Start {
	if r.LastSeq == nil {
		return broker.Start{}
	}
	return broker.StartAfter(*r.LastSeq)
}

// Streamer opens resumable sessions on top of a Hub.
//
// A client whose start point lies before what the shared channel can still
// deliver gets a dedicated replay subscription until it reaches the
// channel's position and every event its hub sink dropped, then continues
// from the sink. Events the sink buffered in the meantime are deduplicated
// by sequence. A sink that overflows later is repaired the same way.
type Streamer struct {
	Hub       *Hub
	Replay    broker.Subscriber
	TTL       time.Duration
	KeepAlive time.Duration
}

// NewStreamer returns a Streamer with the default TTL and keep-alive.
func NewStreamer(hub *Hub, replay broker.Subscriber) *Streamer {
	return &Streamer{Hub: hub, Replay: replay, TTL: DefaultTTL, KeepAlive: DefaultKeepAlive}
}

// Open streams events for req to w until ctx is done, the TTL expires or
// the upstream subscription ends. Subscription failures are reported to
// the client as an error event, not returned. The returned error is only
// ever a write failure on w.
func (s *Streamer) Open(ctx context.Context, w EventWriter, req OpenRequest) error {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	subject := Subject(req.Ref.DockerID)
	start := req.Start()
	logger := log.With().Str("component", "logstream").Str("subject", subject).Str("client", req.ClientID).Logger()

	if err := w.Meta(req.Ref); err != nil {
		return err
	}

	att, err := s.Hub.Attach(ctx, req.Endpoint, subject, req.ClientID, start)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error().Err(err).Msg("attach failed")
		return w.Error(SubscribeFailedMessage)
	}
	defer s.Hub.Detach(req.Endpoint, subject, req.ClientID)

	live := att.Events
	var (
		replay    <-chan broker.Event
		replaySub broker.Subscription
	)
	defer func() {
		if replaySub != nil {
			_ = replaySub.Unsubscribe()
		}
	}()
	// While a replay runs the sink is not read; it keeps what it can and
	// records what it drops.
	startReplay := func(from broker.Start) error {
		sub, err := s.Replay.Subscribe(ctx, req.Endpoint, subject, from)
		if err != nil {
			return err
		}
		replaySub, replay, live = sub, sub.Events(), nil
		return nil
	}
	endReplay := func() {
		_ = replaySub.Unsubscribe()
		replaySub, replay, live = nil, nil, att.Events
	}
	// caughtUp reports whether the sink holds every event after seq.
	caughtUp := func(seq uint64) bool {
		return seq >= att.From && seq >= att.Missed()
	}

	if start.First() < att.From {
		if err := startReplay(start); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("replay subscribe failed")
			return w.Error(SubscribeFailedMessage)
		}
		logger.Debug().Uint64("from", start.First()).Uint64("until", att.From).Msg("replaying ahead of shared channel")
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	deadline := time.NewTimer(ttl)
	defer deadline.Stop()

	keepAlive := s.KeepAlive
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	next := start.First()
	deliver := func(ev broker.Event) error {
		if ev.Sequence < next {
			return nil
		}
		if err := w.Event(ev); err != nil {
			return err
		}
		next = ev.Sequence + 1
		return nil
	}
	// recoverGap reopens a replay at next when the sink dropped an event
	// the client has not seen. It reports whether the replay is running.
	recoverGap := func() bool {
		missed := att.Missed()
		if replay != nil || missed < next {
			return false
		}
		logger.Warn().Uint64("from", next).Uint64("missed", missed).Msg("client buffer overflowed, replaying gap")
		if err := startReplay(broker.Start{Sequence: next}); err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("gap replay subscribe failed")
			}
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-deadline.C:
			return w.End(EndTimeout)

		case <-ticker.C:
			if err := w.KeepAlive(); err != nil {
				return err
			}

		case <-att.Gaps():
			recoverGap()

		case ev, ok := <-replay:
			if !ok {
				endReplay()
				continue
			}
			if err := deliver(ev); err != nil {
				return err
			}
			if caughtUp(ev.Sequence) {
				logger.Debug().Uint64("seq", ev.Sequence).Msg("replay caught up")
				endReplay()
			}

		case ev, ok := <-live:
			if !ok {
				return w.End(EndClosed)
			}
			if recoverGap() {
				continue
			}
			if err := deliver(ev); err != nil {
				return err
			}
		}
	}
}
