package model

import "github.com/shopspring/decimal"

// Tier is a stake level with its own ticket price.
type Tier struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}
