package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdmissionResult is the record returned for every purchase attempt.
type AdmissionResult struct {
	RequestID      string           `json:"request_id,omitempty"`
	Success        bool             `json:"success"`
	PoolID         int64            `json:"pool_id,omitempty"`
	Pot            *decimal.Decimal `json:"pot,omitempty"`
	SpotsRemaining *int             `json:"spots_remaining,omitempty"`
	TicketsBought  int              `json:"tickets_bought,omitempty"`
	ErrorKind      string           `json:"error_kind,omitempty"`
	Error          string           `json:"error,omitempty"`
	Remaining      *int             `json:"remaining,omitempty"`
	Balance        *decimal.Decimal `json:"balance,omitempty"`
	Required       *decimal.Decimal `json:"required,omitempty"`
	RetryAfter     time.Duration    `json:"retry_after,omitempty"`
	TxID           string           `json:"tx_id,omitempty"`
}

// Winner is one placed ticket of a settled pool.
type Winner struct {
	UserID   int64           `json:"user"`
	TicketID int64           `json:"ticket_id"`
	Place    int             `json:"place"`
	Prize    decimal.Decimal `json:"prize"`
	Paid     bool            `json:"paid"`
}

// SettlementResult is published once a draw has committed.
type SettlementResult struct {
	RunID       string          `json:"run_id"`
	PoolID      int64           `json:"pool_id"`
	Tier        string          `json:"tier"`
	Pot         decimal.Decimal `json:"pot"`
	Winners     []Winner        `json:"winners"`
	Losers      []int64         `json:"losers"`
	HouseFee    decimal.Decimal `json:"house_fee"`
	DevFee      decimal.Decimal `json:"dev_fee"`
	Referrals   decimal.Decimal `json:"referrals"`
	Unallocated decimal.Decimal `json:"unallocated"`
	TxID        string          `json:"tx_id"`
	NextPoolID  int64           `json:"next_pool_id"`
	SettledAt   time.Time       `json:"settled_at"`
}
