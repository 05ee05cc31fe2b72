// Package metrics exports Prometheus counters for the exchange, fed from
// the event bus so the trading path never touches a metric directly.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"metricdex/pkg/events"
)

const namespace = "metricdex"

type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced     *prometheus.CounterVec
	ordersCancelled  *prometheus.CounterVec
	ordersExpired    *prometheus.CounterVec
	tradesTotal      *prometheus.CounterVec
	tradedQty        *prometheus.CounterVec
	marketsCreated   prometheus.Counter
	marketsSettled   prometheus.Counter
	positionsSettled prometheus.Counter
	deposits         prometheus.Counter
	withdrawals      prometheus.Counter
	eventSeq         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	byMarket := []string{"market"}

	return &Metrics{
		registry: reg,
		ordersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total",
			Help: "Orders accepted into a market's book.",
		}, byMarket),
		ordersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_cancelled_total",
			Help: "Orders cancelled by their owner or by trading end.",
		}, byMarket),
		ordersExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_expired_total",
			Help: "GTD orders reaped past their expiry.",
		}, byMarket),
		tradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Executed fills.",
		}, byMarket),
		tradedQty: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "traded_qty_total",
			Help: "Filled quantity at the canonical fixed-point scale.",
		}, byMarket),
		marketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "markets_created_total",
			Help: "Markets brought online by the factory.",
		}),
		marketsSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "markets_settled_total",
			Help: "Markets with a fixed settlement value.",
		}),
		positionsSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "positions_settled_total",
			Help: "Positions paid out against a settlement value.",
		}),
		deposits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deposits_total",
			Help: "Collateral deposits.",
		}),
		withdrawals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "withdrawals_total",
			Help: "Collateral withdrawals.",
		}),
		eventSeq: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "event_seq",
			Help: "Sequence number of the last observed event.",
		}),
	}
}

// Observe applies one event to the counters.
func (m *Metrics) Observe(ev events.Event) {
	m.eventSeq.Set(float64(ev.Seq))
	switch ev.Type {
	case events.TypeOrderPlaced, events.TypeInitialOrderPlaced:
		m.ordersPlaced.WithLabelValues(ev.MarketID).Inc()
	case events.TypeOrderCancelled:
		m.ordersCancelled.WithLabelValues(ev.MarketID).Inc()
	case events.TypeOrderExpired:
		m.ordersExpired.WithLabelValues(ev.MarketID).Inc()
	case events.TypeBatchOrdersExpired:
		if p, ok := ev.Payload.(events.BatchOrdersExpired); ok {
			m.ordersExpired.WithLabelValues(ev.MarketID).Add(float64(len(p.OrderIDs)))
		}
	case events.TypeTradeExecuted:
		m.tradesTotal.WithLabelValues(ev.MarketID).Inc()
		if p, ok := ev.Payload.(events.TradeExecuted); ok {
			m.tradedQty.WithLabelValues(ev.MarketID).Add(float64(p.Qty))
		}
	case events.TypeMarketCreated:
		m.marketsCreated.Inc()
	case events.TypeMarketSettled:
		m.marketsSettled.Inc()
	case events.TypePositionSettled:
		m.positionsSettled.Inc()
	case events.TypeDeposit:
		m.deposits.Inc()
	case events.TypeWithdraw:
		m.withdrawals.Inc()
	}
}

// Run consumes the bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(1024)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			m.Observe(ev)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a standalone /metrics listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if log != nil {
		log.Info("metrics_listening", zap.String("addr", addr))
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
