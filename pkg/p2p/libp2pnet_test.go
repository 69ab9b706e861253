package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireRoundTrip(t *testing.T) {
	in := EventWire{Channel: "trades:0x01", Payload: []byte(`{"event":"trade"}`), SentAt: 42}
	b, err := gobEncode(in)
	require.NoError(t, err)

	var out EventWire
	require.NoError(t, gobDecode(b, &out))
	assert.Equal(t, in, out)
}

func TestGossipReachesPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	a, err := NewGossipNet(ctx, GossipConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Topic: "test-events"})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewGossipNet(ctx, GossipConfig{
		ListenAddr: "/ip4/127.0.0.1/tcp/0",
		Topic:      "test-events",
		Bootstrap:  a.Addrs()[:1],
	})
	require.NoError(t, err)
	defer b.Close()

	got := make(chan EventWire, 16)
	b.SetHandler(func(from peer.ID, ev EventWire) {
		if from == a.Host().ID() {
			got <- ev
		}
	})

	// The gossip mesh forms over a few heartbeats; publish until b hears one.
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		require.NoError(t, a.Send(ctx, "orderbook:0x01", []byte("book")))
		select {
		case ev := <-got:
			assert.Equal(t, "orderbook:0x01", ev.Channel)
			assert.Equal(t, []byte("book"), ev.Payload)
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("event never reached the peer")
		}
	}
}
