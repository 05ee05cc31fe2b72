package events

import "testing"

func TestPublishAssignsIncreasingSeq(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(8)

	b.Publish(TypeOrderPlaced, "M", OrderPlaced{OrderID: 1})
	b.Publish(TypeTradeExecuted, "M", TradeExecuted{TradeID: 1})

	first := <-ch
	second := <-ch
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seqs = %d, %d", first.Seq, second.Seq)
	}
	if first.Type != TypeOrderPlaced || second.Type != TypeTradeExecuted {
		t.Errorf("types = %s, %s", first.Type, second.Type)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe(1)

	// The second publish overflows the buffer and must drop, not block.
	b.Publish(TypeOrderPlaced, "M", nil)
	b.Publish(TypeOrderPlaced, "M", nil)

	ev := <-ch
	if ev.Seq != 1 {
		t.Errorf("delivered seq = %d", ev.Seq)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected second delivery: %+v", ev)
	default:
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(TypeOrderPlaced, "M", nil) // must not panic
}

func TestFanOut(t *testing.T) {
	b := NewBus()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(TypeMarketCreated, "M", MarketCreated{MarketID: "M"})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		if ev.MarketID != "M" {
			t.Errorf("market = %s", ev.MarketID)
		}
	}
}
