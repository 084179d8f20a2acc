package engine

import "errors"

var (
	// Validation errors. The order is set to ERROR and never becomes pending.
	ErrInvalidQuantity  = errors.New("invalid order quantity")
	ErrMissingPrice     = errors.New("missing or invalid order price")
	ErrUnsupportedOrder = errors.New("unsupported order")
	ErrNoMarketData     = errors.New("asset has no market data")
	ErrDuplicateOrder   = errors.New("order already submitted")

	// ErrInsufficientBalance rejects a fill for the current bar only.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrBracketIntegrity means the order arena is inconsistent. Processing of
	// the bar stops.
	ErrBracketIntegrity = errors.New("bracket integrity violated")
)
