package model

import "github.com/shopspring/decimal"

// User is a participant as seen by the engine.
type User struct {
	ID               int64           `json:"user_id"`
	WalletAddress    string          `json:"wallet_address"`
	WalletKey        string          `json:"-"`
	ReferredBy       *int64          `json:"referred_by,omitempty"`
	ReferralEarnings decimal.Decimal `json:"referral_earnings"`
	TotalWins        int             `json:"total_wins"`
}

// TierStats aggregates a user's tickets for one tier.
type TierStats struct {
	Tier    string          `json:"tier"`
	Tickets int             `json:"tickets"`
	Spent   decimal.Decimal `json:"spent"`
	Won     decimal.Decimal `json:"won"`
	Wins    int             `json:"wins"`
}

// UserStats aggregates a user's tickets across tiers.
type UserStats struct {
	UserID  int64           `json:"user_id"`
	Tickets int             `json:"tickets"`
	Spent   decimal.Decimal `json:"spent"`
	Won     decimal.Decimal `json:"won"`
	Wins    int             `json:"wins"`
	ByTier  []TierStats     `json:"by_tier"`
}

// WinRate returns the share of won tickets in percent.
func (s UserStats) WinRate() float64 {
	if s.Tickets == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Tickets) * 100
}
