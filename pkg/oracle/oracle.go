// Package oracle defines the settlement price source consumed by the
// exchange core. The oracle's internal dispute and bonding protocol is
// external; the core only requests a resolution for a metric identifier and
// later reads the resolved value.
package oracle

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"metricdex/pkg/util"
)

// Oracle is the request/resolve contract. Request is idempotent per market.
// Value returns (0, false) until the metric has resolved.
type Oracle interface {
	Request(marketID, metricID string, aux []byte) error
	Value(marketID string) (int64, bool)
}

// ResolvedFunc is invoked by implementations that push resolutions (used by
// auto-settling markets).
type ResolvedFunc func(marketID string, value int64)

type request struct {
	metricID    string
	requestedAt time.Time
	value       int64
	resolved    bool
	notified    bool
}

// Manual is an in-process oracle resolved by an operator (or a test). A
// resolution submitted before the liveness window has elapsed is held back:
// Value only reports it once requestedAt+window has passed, mirroring the
// external oracle's dispute period.
type Manual struct {
	mu        sync.Mutex
	window    time.Duration
	clock     util.Clock
	requests  map[string]*request
	onResolve ResolvedFunc
	log       *zap.Logger
}

func NewManual(window time.Duration, clock util.Clock, log *zap.Logger) *Manual {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manual{
		window:   window,
		clock:    clock,
		requests: make(map[string]*request),
		log:      log,
	}
}

// OnResolve registers a callback fired when a value becomes visible.
func (m *Manual) OnResolve(fn ResolvedFunc) {
	m.mu.Lock()
	m.onResolve = fn
	m.mu.Unlock()
}

// Request registers interest in a metric. Calling again for the same market
// is a no-op.
func (m *Manual) Request(marketID, metricID string, aux []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[marketID]; ok {
		return nil
	}
	m.requests[marketID] = &request{metricID: metricID, requestedAt: m.clock.Now()}
	m.log.Info("oracle_request",
		zap.String("market", marketID),
		zap.String("metric", metricID),
		zap.Int("aux_bytes", len(aux)))
	return nil
}

// Resolve records the metric's final value. Fails if no request is pending.
func (m *Manual) Resolve(marketID string, value int64) error {
	m.mu.Lock()
	req, ok := m.requests[marketID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no pending resolution request for market %s", marketID)
	}
	req.value = value
	req.resolved = true
	ready := m.visibleLocked(req)
	cb := m.onResolve
	if ready && cb != nil {
		req.notified = true
	}
	m.mu.Unlock()

	m.log.Info("oracle_resolved", zap.String("market", marketID), zap.Int64("value", value))
	if ready && cb != nil {
		cb(marketID, value)
	}
	return nil
}

// Tick fires the resolve callback for resolutions that were submitted
// while their liveness window was still open and have become visible since.
// Meant for the node's housekeeping ticker; without it an auto-settling
// market whose resolution landed inside the window would never see the
// callback.
func (m *Manual) Tick() {
	m.mu.Lock()
	cb := m.onResolve
	if cb == nil {
		m.mu.Unlock()
		return
	}
	type resolution struct {
		market string
		value  int64
	}
	var due []resolution
	for id, req := range m.requests {
		if req.resolved && !req.notified && m.visibleLocked(req) {
			req.notified = true
			due = append(due, resolution{market: id, value: req.value})
		}
	}
	m.mu.Unlock()

	for _, r := range due {
		cb(r.market, r.value)
	}
}

// Value reports the resolved value once the liveness window has elapsed.
func (m *Manual) Value(marketID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[marketID]
	if !ok || !req.resolved || !m.visibleLocked(req) {
		return 0, false
	}
	return req.value, true
}

func (m *Manual) visibleLocked(req *request) bool {
	return !m.clock.Now().Before(req.requestedAt.Add(m.window))
}
