// Package broker owns connections to the upstream JetStream brokers that
// carry container log subjects.
//
// One NATS connection is kept per broker URL. Connections are created on
// first use and reused by every subscription on that URL until Close or
// Forget.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// DefaultEndpoint is the channel-key marker for subscriptions that did not
// name a broker URL. They all share the client's default URL.
const DefaultEndpoint = "default"

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broker: client closed")

// Event is one message read from a subject.
type Event struct {
	// Sequence is the broker-assigned stream sequence.
	Sequence uint64
	Subject  string
	Data     []byte
}

// Start selects where a new subscription begins reading.
// The zero value replays everything the broker still retains.
type Start struct {
	// Sequence is the first stream sequence to deliver. 0 means all.
	Sequence uint64
}

// StartAfter returns the start point that skips everything up to and
// including lastSeq. The maximum sequence saturates instead of wrapping to
// the replay-everything zero value.
func StartAfter(lastSeq uint64) Start {
	if lastSeq == math.MaxUint64 {
		return Start{Sequence: math.MaxUint64}
	}
	return Start{Sequence: lastSeq + 1}
}

// First is the lowest sequence the subscription can deliver.
func (s Start) First() uint64 {
	if s.Sequence == 0 {
		return 1
	}
	return s.Sequence
}

// Subscription is a live, ack-less subscription to one subject.
type Subscription interface {
	// Events yields messages in broker order. The channel is closed when the
	// subscription ends for any reason.
	Events() <-chan Event
	// Unsubscribe ends the subscription. Calling it more than once is safe.
	Unsubscribe() error
}

// Subscriber opens subscriptions. The hub and sessions depend on this
// interface so tests can run without a broker.
type Subscriber interface {
	Subscribe(ctx context.Context, endpoint, subject string, start Start) (Subscription, error)
}

// Client is the NATS-backed Subscriber.
type Client struct {
	defaultURL string
	opts       []nats.Option

	mu     sync.Mutex
	conns  map[string]*nats.Conn
	closed bool
}

// New returns a Client that resolves an empty endpoint to defaultURL.
func New(defaultURL string, opts ...nats.Option) *Client {
	if defaultURL == "" {
		defaultURL = nats.DefaultURL
	}
	return &Client{
		defaultURL: defaultURL,
		opts:       opts,
		conns:      make(map[string]*nats.Conn),
	}
}

// ResolveURL maps a channel endpoint to the URL that is actually dialed.
func (c *Client) ResolveURL(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" || endpoint == DefaultEndpoint {
		return c.defaultURL
	}
	return endpoint
}

// conn returns the cached connection for url, dialing it on first use.
// The dial happens under the lock so two callers never race to create two
// connections to one URL.
func (c *Client) conn(url string) (*nats.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if nc, ok := c.conns[url]; ok && !nc.IsClosed() {
		return nc, nil
	}

	log.Info().Str("component", "broker").Str("url", url).Msg("connecting to NATS")
	nc, err := nats.Connect(url, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", url, err)
	}
	c.conns[url] = nc
	return nc, nil
}

// JetStream returns a JetStream context on the connection for endpoint.
func (c *Client) JetStream(endpoint string) (jetstream.JetStream, error) {
	nc, err := c.conn(c.ResolveURL(endpoint))
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("broker: jetstream: %w", err)
	}
	return js, nil
}

// Subscribe opens an ordered, ack-less consumer on subject starting at
// start. The stream that captures subject is looked up on the broker.
func (c *Client) Subscribe(ctx context.Context, endpoint, subject string, start Start) (Subscription, error) {
	js, err := c.JetStream(endpoint)
	if err != nil {
		return nil, err
	}

	stream, err := js.StreamNameBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("broker: find stream for %s: %w", subject, err)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if start.Sequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = start.Sequence
	}

	cons, err := js.OrderedConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: consumer on %s/%s: %w", stream, subject, err)
	}
	iter, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("broker: messages on %s: %w", subject, err)
	}

	sub := &natsSubscription{
		iter:   iter,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	go sub.pump(subject)
	return sub, nil
}

// Forget closes and drops the cached connection for endpoint, if any.
// Used when a host's broker URL changes.
func (c *Client) Forget(endpoint string) {
	url := c.ResolveURL(endpoint)

	c.mu.Lock()
	nc, ok := c.conns[url]
	delete(c.conns, url)
	c.mu.Unlock()

	if ok {
		if err := nc.Drain(); err != nil {
			log.Warn().Str("component", "broker").Str("url", url).Err(err).Msg("drain failed")
		}
	}
}

// Close drains every connection. Subsequent Subscribe calls fail.
func (c *Client) Close() {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*nats.Conn)
	c.closed = true
	c.mu.Unlock()

	for url, nc := range conns {
		log.Info().Str("component", "broker").Str("url", url).Msg("closing NATS connection")
		if err := nc.Drain(); err != nil {
			log.Error().Str("component", "broker").Str("url", url).Err(err).Msg("error closing NATS connection")
		}
	}
}

type natsSubscription struct {
	iter   jetstream.MessagesContext
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *natsSubscription) Events() <-chan Event { return s.events }

func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.iter.Stop()
	})
	return nil
}

// pump moves messages from the JetStream iterator onto the events channel
// until the iterator is stopped or fails.
func (s *natsSubscription) pump(subject string) {
	defer close(s.events)

	for {
		msg, err := s.iter.Next()
		if errors.Is(err, jetstream.ErrNoHeartbeat) {
			// the ordered consumer recreates itself after a missed heartbeat
			continue
		}
		if err != nil {
			if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				log.Warn().Str("component", "broker").Str("subject", subject).Err(err).Msg("subscription ended")
			}
			return
		}

		ev := Event{Subject: msg.Subject(), Data: msg.Data()}
		if md, err := msg.Metadata(); err == nil {
			ev.Sequence = md.Sequence.Stream
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
