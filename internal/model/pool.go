package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolStatus is the lifecycle state of a pool.
type PoolStatus string

const (
	PoolOpen   PoolStatus = "OPEN"
	PoolClosed PoolStatus = "CLOSED"
)

// Pool is one round of a tier.
type Pool struct {
	ID            int64           `json:"pool_id"`
	Tier          string          `json:"tier"`
	Status        PoolStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	TotalPot      decimal.Decimal `json:"total_pot"`
	HouseFee      decimal.Decimal `json:"house_fee"`
	DevFee        decimal.Decimal `json:"dev_fee"`
	ReferralTotal decimal.Decimal `json:"referral_total"`
	WinnerTickets [3]*int64       `json:"winner_tickets"`
	WinnerUsers   [3]*int64       `json:"winner_users"`
	PayoutTx      string          `json:"payout_tx,omitempty"`
}

// PoolClosure is the pool update written by a successful settlement.
type PoolClosure struct {
	PoolID        int64
	CompletedAt   time.Time
	TotalPot      decimal.Decimal
	HouseFee      decimal.Decimal
	DevFee        decimal.Decimal
	ReferralTotal decimal.Decimal
	WinnerTickets [3]*int64
	WinnerUsers   [3]*int64
	PayoutTx      string
}

// PoolSummary is the live view of a tier's open pool.
type PoolSummary struct {
	Tier    string          `json:"tier"`
	PoolID  int64           `json:"pool_id"`
	Tickets int             `json:"tickets"`
	Pot     decimal.Decimal `json:"pot"`
	HasPool bool            `json:"has_pool"`
}
