package transfer

import "errors"

var (
	// ErrNotificationFailed means the lead exists and the conversation moved
	// to the seller, but the seller has not been told yet.
	ErrNotificationFailed = errors.New("transfer: seller notification failed")
	ErrNoSellerAvailable  = errors.New("transfer: no seller available")
	// ErrLeadAssigned rejects a manual transfer to a different seller while
	// the conversation still has an attending lead.
	ErrLeadAssigned = errors.New("transfer: conversation already has an attending lead")
	ErrNotQualified = errors.New("transfer: conversation is not qualified for transfer")
)
