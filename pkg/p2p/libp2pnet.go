// Package p2p gossips book and trade events to peer matchers and observers
// over a libp2p pubsub topic.
package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/events"
)

const DefaultTopic = "bytestrike-book-events"

// Handler receives events gossiped by other peers.
type Handler func(from peer.ID, ev EventWire)

// GossipNet is an events.Sink publishing on a gossipsub topic. It also
// subscribes to the topic and hands peer events to the registered Handler.
type GossipNet struct {
	h     host.Host
	ps    *pubsub.PubSub
	log   *zap.SugaredLogger
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	cancel context.CancelFunc
	done   chan struct{}

	muH     sync.RWMutex
	handler Handler
}

var _ events.Sink = (*GossipNet)(nil)

type GossipConfig struct {
	ListenAddr string   // multiaddr, e.g. /ip4/0.0.0.0/tcp/4001
	Bootstrap  []string // full multiaddrs including /p2p/<peer id>
	Topic      string
	Logger     *zap.SugaredLogger
}

func NewGossipNet(ctx context.Context, cfg GossipConfig) (*GossipNet, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("p2p listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	n := &GossipNet{h: h, ps: ps, log: cfg.Logger, cancel: cancel, done: make(chan struct{})}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if n.topic, err = ps.Join(cfg.Topic); err != nil {
		n.Close()
		return nil, fmt.Errorf("join topic %s: %w", cfg.Topic, err)
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		n.Close()
		return nil, fmt.Errorf("subscribe topic %s: %w", cfg.Topic, err)
	}

	go n.handleEvents(runCtx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *GossipNet) SetHandler(h Handler) { n.muH.Lock(); n.handler = h; n.muH.Unlock() }

func (n *GossipNet) Host() host.Host { return n.h }

// Addrs returns the dialable multiaddrs of this node including its peer id.
func (n *GossipNet) Addrs() []string {
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+n.h.ID().String())
	}
	return out
}

// Connect dials a peer given as a full multiaddr.
func (n *GossipNet) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, n.h, addr)
}

// implement events.Sink

func (n *GossipNet) Name() string { return "p2p" }

func (n *GossipNet) Send(ctx context.Context, channel string, payload []byte) error {
	data, err := gobEncode(EventWire{Channel: channel, Payload: payload, SentAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

func (n *GossipNet) Close() error {
	n.cancel()
	if n.sub != nil {
		n.sub.Cancel()
		<-n.done
	} else {
		close(n.done)
	}
	if n.topic != nil {
		_ = n.topic.Close()
	}
	return n.h.Close()
}

// inbound

func (n *GossipNet) handleEvents(ctx context.Context) {
	defer close(n.done)
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var ev EventWire
		if err := gobDecode(msg.Data, &ev); err != nil {
			n.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		n.muH.RLock()
		h := n.handler
		n.muH.RUnlock()
		if h != nil {
			h(msg.ReceivedFrom, ev)
		}
	}
}
