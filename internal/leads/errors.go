package leads

import "errors"

var (
	// ErrLeadNotFound is returned when a lead is not found
	ErrLeadNotFound = errors.New("lead not found")

	// ErrInvalidSaleValue is returned when a sale is recorded without a positive value
	ErrInvalidSaleValue = errors.New("sale value must be positive")

	// ErrLeadClosed is returned when a sold or lost lead is changed again
	ErrLeadClosed = errors.New("lead is already closed")

	// ErrMissingSeller is returned when a lead has no seller
	ErrMissingSeller = errors.New("seller is required")
)
