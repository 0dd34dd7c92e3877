package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cometbft/cometbft/libs/pubsub"
	"github.com/cometbft/cometbft/libs/pubsub/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// topicKey is the event attribute carrying the topic of an inproc message.
const topicKey = "bus.topic"

// Inproc is an in-process bus backed by the CometBFT pubsub server. Every
// participant attached to the same Inproc sees every message.
type Inproc struct {
	server   *pubsub.Server
	nextID   atomic.Uint64
	capacity int
	log      zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type InprocOption func(*Inproc)

// WithInprocLogger sets the logger used to report dropped subscriptions.
func WithInprocLogger(log zerolog.Logger) InprocOption {
	return func(b *Inproc) { b.log = log.With().Str("component", "inproc").Logger() }
}

func NewInproc(opts ...InprocOption) (*Inproc, error) {
	b := &Inproc{capacity: subscriptionCapacity, log: zerolog.Nop(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	b.server = pubsub.NewServer(pubsub.BufferCapacity(b.capacity))
	if err := b.server.Start(); err != nil {
		return nil, errors.Wrap(err, "start pubsub server")
	}
	return b, nil
}

func topicQuery(topic string) (*query.Query, error) {
	return query.New(fmt.Sprintf("%s = '%s'", topicKey, topic))
}

func (b *Inproc) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Inproc) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.closed() {
		return ErrClosed
	}
	events := map[string][]string{topicKey: {topic}}
	return errors.Wrapf(b.server.PublishWithEvents(ctx, payload, events), "publish %s", topic)
}

// Subscribe registers one pubsub client with a query per topic and merges
// their outputs. If the server drops any of the topic subscriptions, for
// example because the subscriber fell behind, the whole channel is closed.
func (b *Inproc) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	if b.closed() {
		return nil, ErrClosed
	}
	clientID := fmt.Sprintf("participant-%d", b.nextID.Add(1))

	subs := make(map[string]*pubsub.Subscription, len(topics))
	for _, topic := range topics {
		q, err := topicQuery(topic)
		if err != nil {
			return nil, errors.Wrapf(err, "compile query for %s", topic)
		}
		sub, err := b.server.Subscribe(ctx, clientID, q, b.capacity)
		if err != nil {
			_ = b.server.UnsubscribeAll(context.Background(), clientID)
			return nil, errors.Wrapf(err, "subscribe %s", topic)
		}
		subs[topic] = sub
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	s := &sink{ctx: pumpCtx, ch: make(chan Message, b.capacity)}
	var wg sync.WaitGroup
	for topic, sub := range subs {
		wg.Add(1)
		go func(topic string, sub *pubsub.Subscription) {
			defer wg.Done()
			// one dead topic stops its siblings so the subscriber sees the close
			defer cancel()
			b.pump(pumpCtx, clientID, topic, sub, s)
		}(topic, sub)
	}
	go func() {
		wg.Wait()
		if !b.closed() {
			_ = b.server.UnsubscribeAll(context.Background(), clientID)
		}
		s.close()
	}()
	return s.ch, nil
}

// pump forwards one pubsub subscription into the merged sink.
func (b *Inproc) pump(ctx context.Context, clientID, topic string, sub *pubsub.Subscription, s *sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-sub.Canceled():
			if ctx.Err() == nil && !b.closed() {
				b.log.Error().Err(sub.Err()).Str("client", clientID).Str("topic", topic).Msg("subscription dropped by pubsub server")
			}
			return
		case msg := <-sub.Out():
			payload, ok := msg.Data().([]byte)
			if !ok {
				continue
			}
			s.deliver(b.done, Message{Topic: topic, Payload: payload})
		}
	}
}

func (b *Inproc) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.server.Stop()
	})
	return errors.Wrap(err, "stop pubsub server")
}
