package market

import (
	"errors"

	"nftmarket/native/bank"
	nativecommon "nftmarket/native/common"
)

var (
	ErrAlreadyListed            = errors.New("market: asset already listed")
	ErrNotListed                = errors.New("market: asset not listed")
	ErrNotSeller                = errors.New("market: caller is not the seller")
	ErrMalformedPrice           = errors.New("market: malformed price")
	ErrUnrecognizedCustodyEvent = errors.New("market: unrecognized custody event")
	ErrPaymentFailed            = errors.New("market: payment failed")
	ErrCustodyTransferFailed    = errors.New("market: custody transfer failed")
	ErrReentrantCall            = errors.New("market: reentrant call")

	// Payment sub-kinds reported by the ledger.
	ErrInsufficientFunds     = bank.ErrInsufficientFunds
	ErrInsufficientAllowance = bank.ErrInsufficientAllowance

	errNilLedger   = errors.New("market engine: payment ledger not configured")
	errNilRegistry = errors.New("market engine: asset registry not configured")
	errNilStore    = errors.New("market engine: listing store not configured")
	errNilAssetID  = errors.New("market engine: asset id required")
	errNoCustody   = errors.New("market engine: custody address required")

	errNilListing     = errors.New("market: nil listing")
	errInvalidAssetID = errors.New("market: listing asset id must be non-negative")
)

// Kind classifies err into the error kind used for metrics and log labels.
// A nil error reports "ok".
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientAllowance):
		return "insufficient_allowance"
	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrCustodyTransferFailed):
		return "custody_transfer_failed"
	case errors.Is(err, ErrAlreadyListed):
		return "already_listed"
	case errors.Is(err, ErrNotListed):
		return "not_listed"
	case errors.Is(err, ErrNotSeller):
		return "not_seller"
	case errors.Is(err, ErrMalformedPrice):
		return "malformed_price"
	case errors.Is(err, ErrUnrecognizedCustodyEvent):
		return "unrecognized_custody_event"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant_call"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return "paused"
	default:
		return "internal"
	}
}
