// Package api exposes the exchange over REST and websocket. It is a thin
// translation layer: every operation goes through the router, factory or
// vault, and every push message originates from the event bus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"metricdex/pkg/core"
	"metricdex/pkg/core/book"
	"metricdex/pkg/core/factory"
	"metricdex/pkg/core/router"
	"metricdex/pkg/core/vault"
	"metricdex/pkg/events"
	"metricdex/pkg/util"
)

type Server struct {
	rtr     *router.Router
	factory *factory.Factory
	vault   *vault.Vault
	bus     *events.Bus
	clock   util.Clock

	router *mux.Router
	hub    *Hub
	log    *zap.Logger

	allowedOrigins []string
}

func NewServer(rtr *router.Router, f *factory.Factory, v *vault.Vault, bus *events.Bus,
	clock util.Clock, allowedOrigins []string, log *zap.Logger) *Server {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		rtr:            rtr,
		factory:        f,
		vault:          v,
		bus:            bus,
		clock:          clock,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		log:            log,
		allowedOrigins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets", s.handleCreateMarket).Methods("POST")
	api.HandleFunc("/markets/{market}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{market}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{market}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{market}/positions", s.handleGetAllPositions).Methods("GET")

	// Settlement endpoints
	api.HandleFunc("/markets/{market}/request-settlement", s.handleRequestSettlement).Methods("POST")
	api.HandleFunc("/markets/{market}/settle", s.handleSettleMarket).Methods("POST")
	api.HandleFunc("/markets/{market}/settle-positions", s.handleSettlePositions).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders/expired", s.handleGetExpiredOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders/expirable", s.handleGetExpirableOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/order-slots", s.handleGetOrderSlots).Methods("GET")
	api.HandleFunc("/accounts/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/withdraw", s.handleWithdraw).Methods("POST")

	// Order endpoints
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/expire-sweep", s.handleExpireSweep).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx, s.bus)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api_listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ==============================
// Market handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	books := s.factory.ListMarkets()
	out := make([]MarketInfo, len(books))
	for i, b := range books {
		out[i] = marketInfoOf(b.Config(), b.State().String(), b.Stats())
	}
	respondJSON(w, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	b, err := s.factory.GetMarket(mux.Vars(r)["market"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, marketInfoOf(b.Config(), b.State().String(), b.Stats()))
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	creator, ok := parseAddress(w, req.Creator)
	if !ok {
		return
	}
	cfg := core.MarketConfig{
		MarketID:          req.Market.MarketID,
		MetricID:          req.Market.MetricID,
		TickSize:          req.Market.TickSize,
		MinOrderSize:      req.Market.MinOrderSize,
		MaxOrderSize:      req.Market.MaxOrderSize,
		TradingEndDate:    req.Market.TradingEndDate,
		SettlementDate:    req.Market.SettlementDate,
		DataRequestWindow: time.Duration(req.Market.DataRequestWindowMs) * time.Millisecond,
		AutoSettle:        req.Market.AutoSettle,
		OracleProvider:    req.Market.OracleProvider,
		MakerFeeBps:       req.Market.MakerFeeBps,
		TakerFeeBps:       req.Market.TakerFeeBps,
	}

	var initial *core.Order
	if req.Initial != nil {
		var err error
		initial, err = orderFromRequest(*req.Initial)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid initial order", err.Error())
			return
		}
	}

	b, err := s.factory.CreateMarket(creator, cfg, initial)
	if err != nil {
		respondError(w, statusOf(err), "market creation failed", err.Error())
		return
	}
	respondJSON(w, marketInfoOf(b.Config(), b.State().String(), b.Stats()))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market"]
	b, err := s.factory.GetMarket(marketID)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	bids := b.BidLevels()
	asks := b.AskLevels()
	snap := OrderbookSnapshot{
		MarketID:  marketID,
		Bids:      make([]PriceLevel, len(bids)),
		Asks:      make([]PriceLevel, len(asks)),
		Timestamp: s.clock.Now().UnixMilli(),
	}
	for i, l := range bids {
		snap.Bids[i] = PriceLevel{Price: l.Price, Size: l.Qty}
	}
	for i, l := range asks {
		snap.Asks[i] = PriceLevel{Price: l.Price, Size: l.Qty}
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market"]
	b, err := s.factory.GetMarket(marketID)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades := b.RecentTrades(limit)
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = TradeInfo{
			ID:        t.ID,
			MarketID:  t.MarketID,
			Price:     t.Price,
			Size:      t.Qty,
			TakerSide: t.TakerSide.String(),
			Timestamp: t.Timestamp,
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAllPositions(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market"]
	b, err := s.factory.GetMarket(marketID)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	positions := b.AllPositions(offset, limit)
	respondJSON(w, s.positionInfos(marketID, positions))
}

// ==============================
// Settlement handlers
// ==============================

func (s *Server) handleRequestSettlement(w http.ResponseWriter, r *http.Request) {
	b, err := s.factory.GetMarket(mux.Vars(r)["market"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	if err := b.RequestSettlement(); err != nil {
		respondError(w, statusOf(err), "settlement request failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"state": b.State().String()})
}

func (s *Server) handleSettleMarket(w http.ResponseWriter, r *http.Request) {
	b, err := s.factory.GetMarket(mux.Vars(r)["market"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	caller, ok := parseAddress(w, req.Caller)
	if !ok {
		return
	}
	if err := b.SettleMarket(caller); err != nil {
		respondError(w, statusOf(err), "settlement failed", err.Error())
		return
	}
	value, _ := b.SettlementValue()
	respondJSON(w, map[string]any{"state": b.State().String(), "settlementValue": value})
}

func (s *Server) handleSettlePositions(w http.ResponseWriter, r *http.Request) {
	b, err := s.factory.GetMarket(mux.Vars(r)["market"])
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	var req SettlePositionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	var settleErr error
	if len(req.PositionIDs) == 0 {
		settleErr = b.SettleAllPositions()
	} else {
		settleErr = b.SettlePositions(req.PositionIDs)
	}
	if settleErr != nil {
		respondError(w, statusOf(settleErr), "position settlement incomplete", settleErr.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "settled"})
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	available, locked := s.vault.GetBalance(addr)
	respondJSON(w, AccountInfo{
		Address:          addr.Hex(),
		AvailableBalance: available,
		LockedCollateral: locked,
		TotalBalance:     available + locked,
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	var out []PositionInfo
	for _, b := range s.factory.ListMarkets() {
		marketID := b.Config().MarketID
		out = append(out, s.positionInfos(marketID, b.UserPositions(addr))...)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"
	orders := s.rtr.UserOrders(addr, activeOnly)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfoOf(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetExpiredOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	orders := s.rtr.UserExpiredOrders(addr)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfoOf(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetExpirableOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orders := s.rtr.OrdersEligibleForExpiration(addr, limit)
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfoOf(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrderSlots(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}
	respondJSON(w, map[string]int{
		"active":    s.rtr.UserActiveOrderCount(addr),
		"remaining": s.rtr.RemainingOrderSlots(addr),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, true)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, false)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, deposit bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Trader)
	if !ok {
		return
	}
	var err error
	typ := events.TypeDeposit
	if deposit {
		err = s.vault.Deposit(addr, req.Amount)
	} else {
		typ = events.TypeWithdraw
		err = s.vault.Withdraw(addr, req.Amount)
	}
	if err != nil {
		respondError(w, statusOf(err), "transfer failed", err.Error())
		return
	}
	s.bus.Publish(typ, "", events.Transfer{Trader: addr, Amount: req.Amount})
	available, locked := s.vault.GetBalance(addr)
	respondJSON(w, AccountInfo{
		Address:          addr.Hex(),
		AvailableBalance: available,
		LockedCollateral: locked,
		TotalBalance:     available + locked,
	})
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	o, err := orderFromRequest(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	if err := s.rtr.PlaceOrder(o); err != nil {
		respondError(w, statusOf(err), "order rejected", err.Error())
		return
	}
	respondJSON(w, PlaceOrderResponse{
		OrderID: o.ID,
		Status:  o.Status.String(),
		Filled:  o.Filled,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Trader)
	if !ok {
		return
	}
	released, err := s.rtr.CancelOrder(addr, req.OrderID)
	if err != nil {
		respondError(w, statusOf(err), "cancel failed", err.Error())
		return
	}
	respondJSON(w, CancelOrderResponse{OrderID: req.OrderID, ReleasedMargin: released})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.rtr.GetOrder(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}
	respondJSON(w, orderInfoOf(o))
}

// handleExpireSweep reaps due GTD orders on demand. Expiry is a public
// maintenance operation; the released margin always goes to the orders'
// owners.
func (s *Server) handleExpireSweep(w http.ResponseWriter, r *http.Request) {
	n := s.rtr.SweepExpired()
	respondJSON(w, map[string]int{"expired": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) positionInfos(marketID string, positions []core.Position) []PositionInfo {
	b, err := s.factory.GetMarket(marketID)
	var mark int64
	if err == nil {
		mark = b.Stats().LastPrice
	}
	out := make([]PositionInfo, len(positions))
	for i, p := range positions {
		pnl := int64(0)
		if mark > 0 {
			pnl = p.UnrealizedPnL(mark)
		}
		out[i] = PositionInfo{
			ID:            p.ID,
			MarketID:      p.MarketID,
			Size:          p.Size,
			EntryPrice:    p.EntryPrice,
			Collateral:    p.Collateral,
			UnrealizedPnL: pnl,
			Settled:       p.Settled,
			Payout:        p.SettlementPayout,
		}
	}
	return out
}

func marketInfoOf(cfg core.MarketConfig, state string, stats book.MarketStats) MarketInfo {
	return MarketInfo{
		MarketID:       cfg.MarketID,
		MetricID:       cfg.MetricID,
		State:          state,
		TickSize:       cfg.TickSize,
		MinOrderSize:   cfg.MinOrderSize,
		MaxOrderSize:   cfg.MaxOrderSize,
		TradingEndDate: cfg.TradingEndDate,
		SettlementDate: cfg.SettlementDate,
		MakerFeeBps:    cfg.MakerFeeBps,
		TakerFeeBps:    cfg.TakerFeeBps,
		LastPrice:      stats.LastPrice,
		TotalTrades:    stats.TotalTrades,
		TotalVolume:    stats.TotalVolume,
	}
}

func orderInfoOf(o core.Order) OrderInfo {
	return OrderInfo{
		ID:           o.ID,
		MarketID:     o.MarketID,
		Side:         o.Side.String(),
		Type:         o.Type.String(),
		TIF:          o.TIF.String(),
		Price:        o.Price,
		StopPrice:    o.StopPrice,
		Size:         o.Qty,
		Filled:       o.Filled,
		Remaining:    o.Remaining(),
		Status:       o.Status.String(),
		LockedMargin: o.LockedMargin,
		CreatedAt:    o.CreatedAt,
	}
}

// orderFromRequest maps the wire shape onto a core order.
func orderFromRequest(req PlaceOrderRequest) (*core.Order, error) {
	trader := common.HexToAddress(req.Trader)
	if !common.IsHexAddress(req.Trader) {
		return nil, errors.New("invalid trader address")
	}

	var side core.Side
	switch strings.ToLower(req.Side) {
	case "buy":
		side = core.Buy
	case "sell":
		side = core.Sell
	default:
		return nil, errors.New("side must be buy or sell")
	}

	typ, err := parseOrderType(req.Type)
	if err != nil {
		return nil, err
	}
	tif, err := parseTIF(req.TIF)
	if err != nil {
		return nil, err
	}

	return &core.Order{
		Trader:     trader,
		MarketID:   req.MarketID,
		Type:       typ,
		Side:       side,
		Qty:        req.Qty,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		IcebergQty: req.IcebergQty,
		PostOnly:   req.PostOnly,
		TIF:        tif,
		ExpiryTime: req.ExpiryTime,
	}, nil
}

func parseOrderType(s string) (core.OrderType, error) {
	switch strings.ToLower(s) {
	case "market":
		return core.TypeMarket, nil
	case "limit", "":
		return core.TypeLimit, nil
	case "stop_loss":
		return core.TypeStopLoss, nil
	case "take_profit":
		return core.TypeTakeProfit, nil
	case "stop_limit":
		return core.TypeStopLimit, nil
	case "iceberg":
		return core.TypeIceberg, nil
	case "fok":
		return core.TypeFOK, nil
	case "ioc":
		return core.TypeIOC, nil
	case "all_or_none", "aon":
		return core.TypeAllOrNone, nil
	}
	return 0, errors.New("unknown order type: " + s)
}

func parseTIF(s string) (core.TimeInForce, error) {
	switch strings.ToUpper(s) {
	case "GTC", "":
		return core.GTC, nil
	case "IOC":
		return core.IOC, nil
	case "FOK":
		return core.FOK, nil
	case "GTD":
		return core.GTD, nil
	}
	return 0, errors.New("unknown time in force: " + s)
}

func parseAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, "invalid address", s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// statusOf maps engine errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrMarketNotFound),
		errors.Is(err, core.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotOwner),
		errors.Is(err, core.ErrNotAdmin),
		errors.Is(err, core.ErrNotSettler),
		errors.Is(err, core.ErrUnauthorizedMarket):
		return http.StatusForbidden
	case errors.Is(err, core.ErrMarketExists),
		errors.Is(err, core.ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrInsufficientLocked):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Detail: detail})
}
