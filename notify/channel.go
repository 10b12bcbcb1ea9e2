// Package notify fans balance update events out to live subscribers.
//
// Delivery is best effort: a subscriber whose buffer is full misses the event
// and the drop is counted. Subscribers that join late see nothing emitted
// before they subscribed. Events reach each subscriber in emit order.
package notify

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/types"
	"github.com/michaelpento.lv/flashsettle/utils/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 64

// Predicate filters the events a subscriber receives
type Predicate func(types.BalanceUpdateEvent) bool

// All accepts every event
func All(types.BalanceUpdateEvent) bool { return true }

// BySymbol accepts events for one asset symbol
func BySymbol(symbol string) Predicate {
	symbol = strings.ToUpper(symbol)
	return func(ev types.BalanceUpdateEvent) bool {
		return ev.Symbol == symbol
	}
}

// ByAddress accepts events for one account
func ByAddress(addr common.Address) Predicate {
	return func(ev types.BalanceUpdateEvent) bool {
		return ev.Address == addr
	}
}

type subscriber struct {
	ch      chan types.BalanceUpdateEvent
	filter  Predicate
	release func() // stops the ctx watcher
}

// Channel is a broadcast primitive with non-persistent consumers
type Channel struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	closed  bool
	watch   sync.WaitGroup
	metrics *metrics.NotifyMetrics
	logger  *zap.Logger
}

// NewChannel creates a channel; buffer <= 0 selects DefaultBuffer
func NewChannel(buffer int, reg prometheus.Registerer, logger *zap.Logger) *Channel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		subs:    make(map[uint64]*subscriber),
		buffer:  buffer,
		metrics: metrics.NewNotifyMetrics(reg),
		logger:  logger,
	}
}

// Emit delivers ev to every matching subscriber without blocking
func (c *Channel) Emit(ev types.BalanceUpdateEvent) {
	if ev.Balance != nil {
		ev.Balance = new(big.Int).Set(ev.Balance)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.metrics.Emitted.Inc()

	for id, sub := range c.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			c.metrics.Delivered.Inc()
		default:
			c.metrics.Dropped.Inc()
			c.logger.Debug("Dropped balance update",
				zap.Uint64("subscriber", id),
				zap.String("symbol", ev.Symbol),
				zap.String("address", ev.Address.Hex()))
		}
	}
}

// Subscribe returns a live stream of events matching filter. The stream is
// closed when ctx ends, when cancel is called, or when the channel closes.
func (c *Channel) Subscribe(ctx context.Context, filter Predicate) (<-chan types.BalanceUpdateEvent, func()) {
	ch := make(chan types.BalanceUpdateEvent, c.buffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	done := make(chan struct{})
	release := sync.OnceFunc(func() { close(done) })
	id := c.nextID
	c.nextID++
	c.subs[id] = &subscriber{ch: ch, filter: filter, release: release}
	c.metrics.Subscribers.Inc()
	c.watch.Add(1)
	c.mu.Unlock()

	cancel := sync.OnceFunc(func() {
		release()
		c.remove(id)
	})

	go func() {
		defer c.watch.Done()
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel
}

// Subscribers returns the number of active subscribers
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close ends every subscription and waits for the ctx watchers to exit;
// later emits are ignored
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, sub := range c.subs {
		sub.release()
		close(sub.ch)
		delete(c.subs, id)
		c.metrics.Subscribers.Dec()
	}
	c.mu.Unlock()

	c.watch.Wait()
}

func (c *Channel) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(c.subs, id)
	c.metrics.Subscribers.Dec()
}
