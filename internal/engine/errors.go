package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies admission and settlement failures.
type Kind string

const (
	KindThrottled         Kind = "throttled"
	KindNoOpenPool        Kind = "no_open_pool"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindTransferFailed    Kind = "transfer_failed"
	KindInvalidRequest    Kind = "invalid_request"
	KindWalletMissing     Kind = "wallet_missing"
	KindSettlementAborted Kind = "settlement_aborted"
	KindPayoutBatchFailed Kind = "payout_batch_failed"
	// KindUnavailable covers store and context failures outside the taxonomy above.
	KindUnavailable Kind = "unavailable"
)

var (
	ErrThrottled         = &Error{Kind: KindThrottled}
	ErrNoOpenPool        = &Error{Kind: KindNoOpenPool}
	ErrCapacityExceeded  = &Error{Kind: KindCapacityExceeded}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrTransferFailed    = &Error{Kind: KindTransferFailed}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
	ErrWalletMissing     = &Error{Kind: KindWalletMissing}
	ErrSettlementAborted = &Error{Kind: KindSettlementAborted}
	ErrPayoutBatchFailed = &Error{Kind: KindPayoutBatchFailed}
	ErrUnavailable       = &Error{Kind: KindUnavailable}
)

// Error carries the detail a caller needs to render a failure without
// re-reading pool or ledger state. Only the fields relevant to Kind are set.
type Error struct {
	Kind       Kind
	PoolID     int64
	Remaining  int
	Balance    decimal.Decimal
	Required   decimal.Decimal
	RetryAfter time.Duration
	// TxID is the stake transfer that went through before the failure, if any.
	TxID string
	Err  error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindThrottled:
		msg = fmt.Sprintf("throttled: retry after %s", e.RetryAfter)
	case KindCapacityExceeded:
		msg = fmt.Sprintf("capacity exceeded: %d spots remaining", e.Remaining)
	case KindInsufficientFunds:
		msg = fmt.Sprintf("insufficient funds: balance %s, required %s", e.Balance, e.Required)
	default:
		msg = string(e.Kind)
	}
	if e.PoolID != 0 {
		msg = fmt.Sprintf("%s (pool %d)", msg, e.PoolID)
	}
	if e.TxID != "" {
		msg = fmt.Sprintf("%s after transfer %s", msg, e.TxID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrThrottled) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
