// Package storage persists the exchange's externally observable state to
// Pebble: the full event stream plus latest-value snapshots of orders,
// trades and market configurations. The in-memory engine is authoritative;
// this layer exists for restarts and off-process indexing.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"metricdex/pkg/core"
	"metricdex/pkg/events"
)

type Store struct {
	db *pebble.DB
}

func NewStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveEvent appends one entry of the event stream.
func (s *Store) SaveEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
	}
	if err := s.db.Set(eventKey(ev.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("save event %d: %w", ev.Seq, err)
	}
	return nil
}

// LoadEvents replays the stream from fromSeq (inclusive), in order. Payloads
// come back as json.RawMessage inside the generic envelope.
func (s *Store) LoadEvents(fromSeq uint64, visit func(raw []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(fromSeq),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return fmt.Errorf("iterate events: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastEventSeq returns the highest persisted sequence number, 0 if the log
// is empty.
func (s *Store) LastEventSeq() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixEvent),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return 0, fmt.Errorf("iterate events: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	var ev events.Event
	if err := json.Unmarshal(iter.Value(), &ev); err != nil {
		return 0, fmt.Errorf("decode last event: %w", err)
	}
	return ev.Seq, nil
}

// SaveOrder persists the order's latest state.
func (s *Store) SaveOrder(o *core.Order) error {
	return s.saveJSON(orderKey(o.ID), o, "order")
}

// LoadOrder returns nil if the order was never persisted.
func (s *Store) LoadOrder(id uint64) (*core.Order, error) {
	var o core.Order
	ok, err := s.loadJSON(orderKey(id), &o, "order")
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

// SaveTrade persists a trade record.
func (s *Store) SaveTrade(t *core.Trade) error {
	return s.saveJSON(tradeKey(t.ID), t, "trade")
}

// LoadTrades returns every persisted trade for a market, oldest first.
func (s *Store) LoadTrades(marketID string) ([]core.Trade, error) {
	var out []core.Trade
	err := s.iterPrefix(prefixTrade, func(val []byte) error {
		var t core.Trade
		if err := json.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("decode trade: %w", err)
		}
		if t.MarketID == marketID {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// SaveMarket persists a market's configuration and lifecycle state.
func (s *Store) SaveMarket(cfg *core.MarketConfig, state core.MarketState, settlementValue int64) error {
	rec := marketRecord{Config: *cfg, State: state, SettlementValue: settlementValue}
	return s.saveJSON(marketKey(cfg.MarketID), &rec, "market")
}

// LoadMarkets returns every persisted market record.
func (s *Store) LoadMarkets() ([]MarketRecord, error) {
	var out []MarketRecord
	err := s.iterPrefix(prefixMarket, func(val []byte) error {
		var rec marketRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode market: %w", err)
		}
		out = append(out, MarketRecord(rec))
		return nil
	})
	return out, err
}

// MarketRecord is a persisted market's config plus lifecycle snapshot.
type MarketRecord struct {
	Config          core.MarketConfig `json:"config"`
	State           core.MarketState  `json:"state"`
	SettlementValue int64             `json:"settlementValue"`
}

type marketRecord MarketRecord

func (s *Store) saveJSON(key []byte, v any, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", what, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("save %s: %w", what, err)
	}
	return nil
}

func (s *Store) loadJSON(key []byte, v any, what string) (bool, error) {
	data, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", what, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", what, err)
	}
	return true, nil
}

func (s *Store) iterPrefix(prefix string, visit func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return fmt.Errorf("iterate %q: %w", prefix, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
