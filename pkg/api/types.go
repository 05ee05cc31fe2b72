package api

// Request and response shapes for the REST surface. All numeric amounts are
// at the canonical fixed-point scale.

type MarketInfo struct {
	MarketID       string `json:"marketId"`
	MetricID       string `json:"metricId"`
	State          string `json:"state"`
	TickSize       int64  `json:"tickSize"`
	MinOrderSize   int64  `json:"minOrderSize"`
	MaxOrderSize   int64  `json:"maxOrderSize"`
	TradingEndDate int64  `json:"tradingEndDate"`
	SettlementDate int64  `json:"settlementDate"`
	MakerFeeBps    int64  `json:"makerFeeBps"`
	TakerFeeBps    int64  `json:"takerFeeBps"`
	LastPrice      int64  `json:"lastPrice"`
	TotalTrades    int64  `json:"totalTrades"`
	TotalVolume    int64  `json:"totalVolume"`
}

type OrderbookSnapshot struct {
	MarketID  string       `json:"marketId"`
	Bids      []PriceLevel `json:"bids"` // best first
	Asks      []PriceLevel `json:"asks"` // best first
	Timestamp int64        `json:"timestamp"`
}

type PriceLevel struct {
	Price int64 `json:"price"`
	Size  int64 `json:"size"`
}

type TradeInfo struct {
	ID        uint64 `json:"id"`
	MarketID  string `json:"marketId"`
	Price     int64  `json:"price"`
	Size      int64  `json:"size"`
	TakerSide string `json:"takerSide"`
	Timestamp int64  `json:"timestamp"`
}

type AccountInfo struct {
	Address          string `json:"address"`
	AvailableBalance int64  `json:"availableBalance"`
	LockedCollateral int64  `json:"lockedCollateral"`
	TotalBalance     int64  `json:"totalBalance"`
}

type PositionInfo struct {
	ID            uint64 `json:"id"`
	MarketID      string `json:"marketId"`
	Size          int64  `json:"size"` // +ve long, -ve short
	EntryPrice    int64  `json:"entryPrice"`
	Collateral    int64  `json:"collateral"`
	UnrealizedPnL int64  `json:"unrealizedPnl"`
	Settled       bool   `json:"settled"`
	Payout        int64  `json:"payout,omitempty"`
}

type OrderInfo struct {
	ID           uint64 `json:"id"`
	MarketID     string `json:"marketId"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	TIF          string `json:"tif"`
	Price        int64  `json:"price"`
	StopPrice    int64  `json:"stopPrice,omitempty"`
	Size         int64  `json:"size"`
	Filled       int64  `json:"filled"`
	Remaining    int64  `json:"remaining"`
	Status       string `json:"status"`
	LockedMargin int64  `json:"lockedMargin"`
	CreatedAt    int64  `json:"createdAt"`
}

type PlaceOrderRequest struct {
	Trader     string `json:"trader"`
	MarketID   string `json:"marketId"`
	Side       string `json:"side"` // "buy" / "sell"
	Type       string `json:"type"` // "limit", "market", "iceberg", ...
	TIF        string `json:"tif"`  // "GTC", "IOC", "FOK", "GTD"
	Price      int64  `json:"price"`
	Qty        int64  `json:"qty"`
	StopPrice  int64  `json:"stopPrice,omitempty"`
	IcebergQty int64  `json:"icebergQty,omitempty"`
	PostOnly   bool   `json:"postOnly,omitempty"`
	ExpiryTime int64  `json:"expiryTime,omitempty"` // unix ms, GTD only
}

type PlaceOrderResponse struct {
	OrderID uint64 `json:"orderId"`
	Status  string `json:"status"`
	Filled  int64  `json:"filled"`
}

type CancelOrderRequest struct {
	Trader  string `json:"trader"`
	OrderID uint64 `json:"orderId"`
}

type CancelOrderResponse struct {
	OrderID        uint64 `json:"orderId"`
	ReleasedMargin int64  `json:"releasedMargin"`
}

type TransferRequest struct {
	Trader string `json:"trader"`
	Amount int64  `json:"amount"`
}

type CreateMarketRequest struct {
	Creator string             `json:"creator"`
	Market  MarketConfigParam  `json:"market"`
	Initial *PlaceOrderRequest `json:"initialOrder,omitempty"`
}

// MarketConfigParam mirrors the market configuration over the wire, with
// the oracle liveness window in milliseconds.
type MarketConfigParam struct {
	MarketID            string `json:"marketId"`
	MetricID            string `json:"metricId"`
	TickSize            int64  `json:"tickSize"`
	MinOrderSize        int64  `json:"minOrderSize"`
	MaxOrderSize        int64  `json:"maxOrderSize"`
	TradingEndDate      int64  `json:"tradingEndDate"`
	SettlementDate      int64  `json:"settlementDate"`
	DataRequestWindowMs int64  `json:"dataRequestWindowMs"`
	AutoSettle          bool   `json:"autoSettle"`
	OracleProvider      string `json:"oracleProvider"`
	MakerFeeBps         int64  `json:"makerFeeBps"`
	TakerFeeBps         int64  `json:"takerFeeBps"`
}

type SettlePositionsRequest struct {
	PositionIDs []uint64 `json:"positionIds"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WSMessage is the envelope for every websocket frame the hub sends.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by clients to manage channel subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
