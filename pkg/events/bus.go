package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscribers. Publishing never blocks the trading
// path: a subscriber whose buffer is full misses the event (same policy as
// the websocket hub). Subscribers that must not miss events (the event-log
// writer) use a large buffer.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all subsequent events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish assigns the next sequence number and delivers to all subscribers.
// Nil-receiver safe so components can run without a bus in tests.
func (b *Bus) Publish(typ Type, marketID string, payload any) {
	if b == nil {
		return
	}
	ev := Event{
		Seq:      b.seq.Add(1),
		Type:     typ,
		MarketID: marketID,
		Time:     time.Now().UnixMilli(),
		Payload:  payload,
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
