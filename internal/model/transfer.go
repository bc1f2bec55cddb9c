package model

import "github.com/shopspring/decimal"

// Transfer is one leg of a payout batch.
type Transfer struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}
