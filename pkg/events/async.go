package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/metrics"
)

// Sink delivers encoded events to an external transport (kafka, redis, gossip).
type Sink interface {
	Name() string
	Send(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// BookChannel and TradeChannel name the per-market topics shared by every transport.
func BookChannel(u BookUpdate) string { return "orderbook:" + u.MarketID.Hex() }
func TradeChannel(t core.Trade) string { return "trades:" + t.MarketID.Hex() }

type message struct {
	channel string
	payload []byte
}

// Async adapts a Sink to Publisher. Events are queued and delivered by one
// goroutine; when the queue is full the event is dropped and counted.
type Async struct {
	sink        Sink
	queue       chan message
	sendTimeout time.Duration
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics

	mu     sync.Mutex // guards closed and sends on queue
	closed bool
	done   chan struct{}
}

func NewAsync(sink Sink, buffer int, log *zap.SugaredLogger, m *metrics.Metrics) *Async {
	if m == nil {
		m = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &Async{
		sink:        sink,
		queue:       make(chan message, buffer),
		sendTimeout: 5 * time.Second,
		log:         log,
		metrics:     m,
		done:        make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) PublishBook(u BookUpdate) {
	payload, err := EncodeBook(u)
	if err != nil {
		a.log.Errorw("event_encode_failed", "sink", a.sink.Name(), "kind", KindOrderbook, "err", err)
		return
	}
	a.enqueue(message{channel: BookChannel(u), payload: payload})
}

func (a *Async) PublishTrade(t core.Trade) {
	payload, err := EncodeTrade(t)
	if err != nil {
		a.log.Errorw("event_encode_failed", "sink", a.sink.Name(), "kind", KindTrade, "err", err)
		return
	}
	a.enqueue(message{channel: TradeChannel(t), payload: payload})
}

func (a *Async) enqueue(m message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.metrics.DroppedEvent(a.sink.Name())
		return
	}
	select {
	case a.queue <- m:
	default:
		a.metrics.DroppedEvent(a.sink.Name())
		a.log.Warnw("event_dropped", "sink", a.sink.Name(), "channel", m.channel)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for m := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
		if err := a.sink.Send(ctx, m.channel, m.payload); err != nil {
			a.log.Warnw("event_send_failed", "sink", a.sink.Name(), "channel", m.channel, "err", err)
		}
		cancel()
	}
}

// Close drains queued events and closes the sink. Events published after
// Close are dropped.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}
