package core

import "errors"

// Error taxonomy. Every rejection maps onto one of these sentinels so
// callers can distinguish validation, state, authorization and resource
// failures with errors.Is. All rejections happen before any state change.

// Validation errors.
var (
	ErrInvalidPrice     = errors.New("price must be positive")
	ErrInvalidQty       = errors.New("quantity must be positive")
	ErrTickAlignment    = errors.New("price not aligned to tick size")
	ErrBelowMinSize     = errors.New("quantity below minimum order size")
	ErrAboveMaxSize     = errors.New("quantity above maximum order size")
	ErrExpiredOrder     = errors.New("order expiry time already passed")
	ErrBadTimeInForce   = errors.New("time-in-force inconsistent with expiry")
	ErrBadIcebergQty    = errors.New("iceberg visible quantity invalid")
	ErrBadStopPrice     = errors.New("stop price invalid")
	ErrEmptyBatch       = errors.New("batch is empty")
	ErrBatchTooLarge    = errors.New("batch exceeds maximum size")
	ErrInvalidMarketCfg = errors.New("invalid market configuration")
)

// State errors.
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrMarketNotFound         = errors.New("market not found")
	ErrPositionNotFound       = errors.New("position not found")
	ErrNotCancellable         = errors.New("order not in a cancellable state")
	ErrNotExpirable           = errors.New("order not eligible for expiration")
	ErrMarketNotActive        = errors.New("market not active")
	ErrMarketExists           = errors.New("market already exists")
	ErrAlreadySettled         = errors.New("already settled")
	ErrSettlementNotDue       = errors.New("trading end date not reached")
	ErrSettlementNotRequested = errors.New("settlement not requested")
	ErrNoSettlementValue      = errors.New("oracle has no settlement value yet")
)

// Authorization errors.
var (
	ErrNotOwner           = errors.New("caller does not own this order")
	ErrUnauthorizedMarket = errors.New("market not authorized for vault access")
	ErrNotAdmin           = errors.New("caller is not the vault admin")
	ErrNotSettler         = errors.New("caller is not the settlement role")
)

// Resource errors.
var (
	ErrInsufficientBalance = errors.New("insufficient available collateral")
	ErrInsufficientLocked  = errors.New("insufficient locked collateral")
	ErrOrderCapExceeded    = errors.New("active order cap exceeded")
)

// Matching rejections.
var (
	ErrPostOnlyWouldCross = errors.New("post-only order would cross the book")
	ErrFillOrKill         = errors.New("order cannot be completely filled")
)
