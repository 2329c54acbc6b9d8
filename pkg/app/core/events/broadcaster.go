package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wattlane/wattlane/pkg/app/core/market"
)

// Subscription is one consumer's buffered event stream for a single market.
type Subscription struct {
	ch     chan Event
	topics map[Topic]struct{}
	market string

	b      *Broadcaster
	closed bool
}

// C yields the market's events in non-decreasing sequence order. The
// channel is closed when the subscriber calls Close or falls too far
// behind and is dropped.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster assigns per-market sequence numbers and fans events out to
// subscribers. Publishing never blocks the matching path: a subscriber
// whose buffer is full is disconnected rather than waited on.
type Broadcaster struct {
	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    *zap.Logger
}

func NewBroadcaster(buffer int, log *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		seq:    make(map[string]uint64),
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a stream for a market. With no topics given, the
// subscription receives all of them.
func (b *Broadcaster) Subscribe(key market.Key, topics ...Topic) *Subscription {
	s := &Subscription{
		ch:     make(chan Event, b.buffer),
		topics: make(map[Topic]struct{}, len(topics)),
		market: key.String(),
		b:      b,
	}
	if len(topics) == 0 {
		topics = []Topic{TopicOrderBook, TopicTrades, TopicMarketData}
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[s.market]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[s.market] = set
	}
	set[s] = struct{}{}
	return s
}

// Publish stamps the next per-market sequence number on the event and
// delivers it to every matching subscriber. Returns the assigned sequence.
func (b *Broadcaster) Publish(ev Event) uint64 {
	key := ev.Market.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[key]++
	ev.Seq = b.seq[key]

	for s := range b.subs[key] {
		if _, want := s.topics[ev.Type.Topic()]; !want {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Subscriber buffer full: drop it so matching never waits.
			b.drop(s)
			b.log.Warn("dropped slow event subscriber",
				zap.String("market", key),
				zap.Uint64("seq", ev.Seq))
		}
	}
	return ev.Seq
}

// Seq returns the last sequence number published for a market.
func (b *Broadcaster) Seq(key market.Key) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[key.String()]
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop(s)
}

// drop must be called with b.mu held.
func (b *Broadcaster) drop(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	if set, ok := b.subs[s.market]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.market)
		}
	}
	close(s.ch)
}
