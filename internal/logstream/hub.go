// Package logstream fans container log subjects out to many clients and
// wraps each client in a resumable stream session.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yanix/gateway/internal/broker"
)

const (
	// DefaultBufferSize is the per-client sink capacity used when NewHub is
	// given a non-positive size.
	DefaultBufferSize = 256

	// SubscribeTimeout bounds the upstream subscribe call of a new channel.
	// The call is not tied to the request of the client that triggered it.
	SubscribeTimeout = 30 * time.Second
)

// ErrDuplicateClient is returned when a client id is already attached to
// the channel.
var ErrDuplicateClient = errors.New("logstream: client already attached")

// ChannelKey is the registry key of the channel for (endpoint, subject).
// An empty endpoint shares the channel of every other empty endpoint.
func ChannelKey(endpoint, subject string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = broker.DefaultEndpoint
	}
	return endpoint + "::" + subject
}

// Attachment is one client's view of a channel.
type Attachment struct {
	// Events carries every event fanned out after the client attached.
	// It is closed when the client detaches or the upstream subscription ends.
	Events <-chan broker.Event
	// From is the lowest sequence Events can carry. Clients that need
	// earlier events must fetch them elsewhere.
	From uint64

	missed *atomic.Uint64
	gaps   chan struct{}
}

// Missed returns the sequence of the newest event dropped because Events
// was full, or 0 if none was. Events after that sequence are complete.
func (a *Attachment) Missed() uint64 {
	if a.missed == nil {
		return 0
	}
	return a.missed.Load()
}

// Gaps is signalled after Events drops an event. Signals coalesce; read
// Missed for the position.
func (a *Attachment) Gaps() <-chan struct{} {
	return a.gaps
}

// sink is one client's buffered queue on a channel.
type sink struct {
	events chan broker.Event
	gaps   chan struct{}
	missed atomic.Uint64
}

func newSink(size int) *sink {
	return &sink{events: make(chan broker.Event, size), gaps: make(chan struct{}, 1)}
}

func (s *sink) attachment(from uint64) *Attachment {
	return &Attachment{Events: s.events, From: from, missed: &s.missed, gaps: s.gaps}
}

// Hub multiplexes one upstream subscription per channel key across any
// number of attached clients.
//
// Lock order is Hub.mu before channel.mu. The first/last client decision
// for a channel is taken under channel.mu.
type Hub struct {
	sub        broker.Subscriber
	bufferSize int

	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	key      string
	endpoint string
	subject  string

	// ready is closed once the upstream subscribe call has returned.
	ready chan struct{}
	err   error

	mu     sync.Mutex
	sub    broker.Subscription
	sinks  map[string]*sink
	anchor uint64 // first sequence the subscription was opened at
	tail   uint64 // last sequence fanned out
	closed bool
}

// NewHub returns an empty hub that opens subscriptions through sub.
func NewHub(sub broker.Subscriber, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		sub:        sub,
		bufferSize: bufferSize,
		channels:   make(map[string]*channel),
	}
}

// Attach adds clientID to the channel for (endpoint, subject), creating the
// channel and its upstream subscription on first use. start only applies
// when the call creates the channel.
func (h *Hub) Attach(ctx context.Context, endpoint, subject, clientID string, start broker.Start) (*Attachment, error) {
	key := ChannelKey(endpoint, subject)

	for {
		h.mu.Lock()
		ch, ok := h.channels[key]
		if !ok {
			ch = &channel{
				key:      key,
				endpoint: endpoint,
				subject:  subject,
				ready:    make(chan struct{}),
				sinks:    make(map[string]*sink),
				anchor:   start.First(),
			}
			sk := newSink(h.bufferSize)
			ch.sinks[clientID] = sk
			h.channels[key] = ch
			h.mu.Unlock()

			if err := h.open(ctx, ch, start); err != nil {
				return nil, err
			}
			return sk.attachment(ch.anchor), nil
		}
		h.mu.Unlock()

		select {
		case <-ch.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if ch.err != nil {
			return nil, ch.err
		}

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			h.drop(ch)
			continue
		}
		if _, dup := ch.sinks[clientID]; dup {
			ch.mu.Unlock()
			return nil, ErrDuplicateClient
		}
		sk := newSink(h.bufferSize)
		ch.sinks[clientID] = sk
		from := max(ch.tail+1, ch.anchor)
		ch.mu.Unlock()

		log.Debug().Str("component", "logstream").Str("channel", key).Str("client", clientID).Msg("client joined channel")
		return sk.attachment(from), nil
	}
}

// open subscribes upstream for a freshly registered channel and starts its
// fan-out goroutine. Waiters on ch.ready observe the outcome, so the
// subscribe call outlives a cancellation of the creating client.
func (h *Hub) open(ctx context.Context, ch *channel, start broker.Start) error {
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SubscribeTimeout)
	defer cancel()

	sub, err := h.sub.Subscribe(subCtx, ch.endpoint, ch.subject, start)
	if err != nil {
		h.drop(ch)
		ch.mu.Lock()
		ch.err = fmt.Errorf("logstream: subscribe %s: %w", ch.key, err)
		ch.closed = true
		ch.sinks = nil
		ch.mu.Unlock()
		close(ch.ready)
		return ch.err
	}

	ch.mu.Lock()
	ch.sub = sub
	orphaned := ch.closed
	ch.mu.Unlock()
	close(ch.ready)

	if orphaned {
		// every client left while the subscribe call was in flight
		_ = sub.Unsubscribe()
	}

	log.Info().Str("component", "logstream").Str("channel", ch.key).Uint64("from", ch.anchor).Msg("upstream subscription opened")
	go h.fanOut(ch, sub)
	return nil
}

// Detach removes clientID from the channel and closes its sink. The last
// client out unsubscribes upstream. Detaching an unknown client is a no-op.
func (h *Hub) Detach(endpoint, subject, clientID string) {
	key := ChannelKey(endpoint, subject)

	h.mu.Lock()
	ch, ok := h.channels[key]
	if !ok {
		h.mu.Unlock()
		return
	}

	ch.mu.Lock()
	sk, attached := ch.sinks[clientID]
	if !attached {
		ch.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(ch.sinks, clientID)
	close(sk.events)

	var sub broker.Subscription
	if len(ch.sinks) == 0 && !ch.closed {
		ch.closed = true
		sub = ch.sub
		delete(h.channels, key)
	}
	ch.mu.Unlock()
	h.mu.Unlock()

	if sub != nil {
		log.Info().Str("component", "logstream").Str("channel", key).Msg("last client left, unsubscribing")
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Str("component", "logstream").Str("channel", key).Err(err).Msg("unsubscribe failed")
		}
	}
}

// fanOut copies upstream events to every attached sink in delivery order.
// A full sink misses the event and records its sequence; other sinks are
// unaffected. When the subscription ends the channel is unregistered and
// remaining sinks closed.
func (h *Hub) fanOut(ch *channel, sub broker.Subscription) {
	for ev := range sub.Events() {
		ch.mu.Lock()
		if ev.Sequence > ch.tail {
			ch.tail = ev.Sequence
		}
		for id, sk := range ch.sinks {
			select {
			case sk.events <- ev:
			default:
				sk.missed.Store(ev.Sequence)
				select {
				case sk.gaps <- struct{}{}:
				default:
				}
				log.Warn().Str("component", "logstream").Str("channel", ch.key).Str("client", id).Uint64("seq", ev.Sequence).Msg("client buffer full, event dropped")
			}
		}
		ch.mu.Unlock()
	}

	h.drop(ch)

	ch.mu.Lock()
	for id, sk := range ch.sinks {
		close(sk.events)
		delete(ch.sinks, id)
	}
	ch.closed = true
	ch.mu.Unlock()

	log.Info().Str("component", "logstream").Str("channel", ch.key).Msg("upstream subscription ended")
}

// drop unregisters ch if it is still the registered channel for its key.
func (h *Hub) drop(ch *channel) {
	h.mu.Lock()
	if h.channels[ch.key] == ch {
		delete(h.channels, ch.key)
	}
	h.mu.Unlock()
}

// Channels returns the number of registered channels.
func (h *Hub) Channels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// Listeners returns the number of clients attached to (endpoint, subject).
func (h *Hub) Listeners(endpoint, subject string) int {
	h.mu.Lock()
	ch, ok := h.channels[ChannelKey(endpoint, subject)]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sinks)
}
