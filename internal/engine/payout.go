package engine

import (
	"github.com/shopspring/decimal"

	"potline/internal/model"
)

// Amounts are rounded down to this many decimals (one wei).
const amountPlaces = 18

var (
	placeShares = [Places]decimal.Decimal{
		decimal.RequireFromString("0.60"),
		decimal.RequireFromString("0.20"),
		decimal.RequireFromString("0.10"),
	}
	devShare      = decimal.RequireFromString("0.02")
	referralShare = decimal.RequireFromString("0.03")
	// The house keeps the remaining 8%.
)

// Payout is the split of one pot.
type Payout struct {
	Prizes        []decimal.Decimal
	House         decimal.Decimal
	Dev           decimal.Decimal
	Referrals     map[int64]decimal.Decimal
	ReferralTotal decimal.Decimal
	Unallocated   decimal.Decimal
}

// Total is the sum of every share, which always equals the pot.
func (p Payout) Total() decimal.Decimal {
	total := p.House.Add(p.Dev).Add(p.ReferralTotal).Add(p.Unallocated)
	for _, prize := range p.Prizes {
		total = total.Add(prize)
	}
	return total
}

// ComputePayout splits pot over the first places prize slots. Shares of
// missing places are unallocated. Referral bonuses are paid out of the house
// share, which also absorbs rounding dust.
func ComputePayout(pot decimal.Decimal, places int, entries []model.Entry) Payout {
	places = max(0, min(places, Places))
	p := Payout{
		Prizes:      make([]decimal.Decimal, places),
		Referrals:   make(map[int64]decimal.Decimal),
		Unallocated: decimal.Zero,
	}

	allocated := decimal.Zero
	for i := 0; i < Places; i++ {
		share := pot.Mul(placeShares[i]).RoundDown(amountPlaces)
		if i < places {
			p.Prizes[i] = share
		} else {
			p.Unallocated = p.Unallocated.Add(share)
		}
		allocated = allocated.Add(share)
	}

	for _, e := range entries {
		if e.ReferrerID == nil {
			continue
		}
		p.Referrals[*e.ReferrerID] = p.Referrals[*e.ReferrerID].Add(e.Value.Mul(referralShare))
	}
	p.ReferralTotal = decimal.Zero
	for id, bonus := range p.Referrals {
		bonus = bonus.RoundDown(amountPlaces)
		p.Referrals[id] = bonus
		p.ReferralTotal = p.ReferralTotal.Add(bonus)
	}

	p.Dev = pot.Mul(devShare).RoundDown(amountPlaces)
	p.House = pot.Sub(allocated).Sub(p.Dev).Sub(p.ReferralTotal)
	return p
}
