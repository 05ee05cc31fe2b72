package storage

import (
	"context"

	"go.uber.org/zap"

	"metricdex/pkg/events"
)

// writerBuffer is deliberately large: the bus drops events a subscriber
// cannot absorb, and the log writer is the one subscriber that should never
// drop.
const writerBuffer = 4096

// Writer drains the event bus into the store. Run it in its own goroutine;
// it stops when ctx is cancelled.
type Writer struct {
	store *Store
	ch    <-chan events.Event
	log   *zap.Logger
}

func NewWriter(store *Store, bus *events.Bus, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store: store,
		ch:    bus.Subscribe(writerBuffer),
		log:   log,
	}
}

// Run persists events until ctx is done. Persistence failures are logged
// and skipped; the in-memory engine stays authoritative.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case ev := <-w.ch:
			w.persist(ev)
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case ev := <-w.ch:
			w.persist(ev)
		default:
			return
		}
	}
}

func (w *Writer) persist(ev events.Event) {
	if err := w.store.SaveEvent(ev); err != nil {
		w.log.Error("event_persist_failed", zap.Uint64("seq", ev.Seq), zap.Error(err))
	}
}
