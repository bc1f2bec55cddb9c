package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketStatus is the draw outcome of a ticket.
type TicketStatus string

const (
	TicketNotDrawn TicketStatus = "NOT_DRAWN"
	TicketWon      TicketStatus = "WON"
	TicketLost     TicketStatus = "LOST"
)

// Ticket is one entry bought into a pool.
type Ticket struct {
	ID          int64           `json:"ticket_id"`
	PoolID      int64           `json:"pool_id"`
	UserID      int64           `json:"user_id"`
	Tier        string          `json:"tier"`
	Value       decimal.Decimal `json:"value"`
	Status      TicketStatus    `json:"status"`
	PrizeAmount decimal.Decimal `json:"prize_amount"`
	PurchaseTx  string          `json:"purchase_tx,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Entry is an undrawn ticket joined with what settlement needs to pay it out.
type Entry struct {
	TicketID       int64
	UserID         int64
	Value          decimal.Decimal
	Wallet         string
	ReferrerID     *int64
	ReferrerWallet string
}

// TicketOutcome assigns a prize to a winning ticket.
type TicketOutcome struct {
	TicketID int64
	Prize    decimal.Decimal
}
