package bus

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// P2P carries the protocol over libp2p gossipsub. Peers on the local network
// are found with mDNS. A node receives its own published messages.
type P2P struct {
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service
	log    zerolog.Logger
	router *router

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
}

// discoveryNotifee connects to every peer announced over mDNS.
type discoveryNotifee struct {
	ctx  context.Context
	host host.Host
	log  zerolog.Logger
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, pi); err != nil {
		n.log.Debug().Err(err).Str("peer", pi.ID.String()).Msg("could not connect to discovered peer")
		return
	}
	n.log.Debug().Str("peer", pi.ID.String()).Msg("connected to discovered peer")
}

func NewP2P(ctx context.Context, listen, serviceTag string, log zerolog.Logger) (*P2P, error) {
	log = log.With().Str("component", "p2p").Logger()

	h, err := libp2p.New(libp2p.ListenAddrStrings(listen))
	if err != nil {
		return nil, errors.Wrap(err, "could not create libp2p host")
	}

	// the pubsub router lives as long as the bus, not the constructor's ctx
	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, errors.Wrap(err, "could not create libp2p pubsub")
	}

	svc := mdns.NewMdnsService(h, serviceTag, &discoveryNotifee{ctx: runCtx, host: h, log: log})
	if err := svc.Start(); err != nil {
		cancel()
		_ = h.Close()
		return nil, errors.Wrap(err, "could not start mdns discovery")
	}

	log.Info().Str("peer_id", h.ID().String()).Interface("addrs", h.Addrs()).Msg("libp2p node started")
	return &P2P{
		host:   h,
		ps:     ps,
		mdns:   svc,
		log:    log,
		router: newRouter(),
		ctx:    runCtx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}, nil
}

// join returns the cached topic handle, joining on first use. Caller holds mu.
func (b *P2P) join(name string) (*pubsub.Topic, error) {
	if tp, ok := b.topics[name]; ok {
		return tp, nil
	}
	tp, err := b.ps.Join(name)
	if err != nil {
		return nil, errors.Wrapf(err, "could not join topic (%s)", name)
	}
	b.topics[name] = tp
	return tp, nil
}

func (b *P2P) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.router.isClosed() {
		return ErrClosed
	}
	b.mu.Lock()
	tp, err := b.join(topic)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return errors.Wrapf(tp.Publish(ctx, payload), "publish %s", topic)
}

func (b *P2P) Subscribe(ctx context.Context, topics ...string) (<-chan Message, error) {
	s, err := b.router.add(ctx, topics)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range topics {
		if _, ok := b.subs[name]; ok {
			continue
		}
		tp, err := b.join(name)
		if err != nil {
			b.router.remove(s)
			return nil, err
		}
		sub, err := tp.Subscribe()
		if err != nil {
			b.router.remove(s)
			return nil, errors.Wrapf(err, "could not subscribe to topic (%s)", name)
		}
		b.subs[name] = sub
		go b.pump(name, sub)
	}
	return s.ch, nil
}

func (b *P2P) pump(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(b.ctx)
		if err != nil {
			// cancelled subscription or closed bus
			return
		}
		b.router.route(Message{Topic: topic, Payload: msg.GetData()})
	}
}

func (b *P2P) Close() error {
	if b.router.isClosed() {
		return nil
	}
	b.router.close()

	var result error
	b.mu.Lock()
	for name, sub := range b.subs {
		sub.Cancel()
		delete(b.subs, name)
	}
	for name, tp := range b.topics {
		if err := tp.Close(); err != nil {
			// subscription cancellation is asynchronous, the host close below tears it down anyway
			b.log.Debug().Err(err).Str("topic", name).Msg("could not close topic")
		}
		delete(b.topics, name)
	}
	b.mu.Unlock()

	b.cancel()
	if err := b.mdns.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close mdns"))
	}
	if err := b.host.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close host"))
	}
	return result
}
