package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"potline/internal/model"
	"potline/internal/storage"
)

// Settle draws and pays out a full pool, closes it and opens its successor,
// all in one transaction. It reports false without error when the pool was
// already settled, so redundant triggers are harmless.
func (e *Engine) Settle(ctx context.Context, poolID int64) (model.SettlementResult, bool, error) {
	start := e.now()
	runID := uuid.NewString()
	logger := e.logger.With(zap.Int64("pool_id", poolID), zap.String("run_id", runID))

	var (
		result  model.SettlementResult
		settled bool
		tier    string
	)
	// Only the wait for the pool lock may be cancelled. Past the guard the run
	// goes to commit or rollback, including the commit itself.
	runCtx := context.WithoutCancel(ctx)
	err := e.store.WithTx(runCtx, func(tx storage.Tx) error {
		pool, err := tx.LockPool(ctx, poolID)
		if err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		tier = pool.Tier
		if pool.Status != model.PoolOpen {
			return nil
		}
		ctx := runCtx

		entries, err := tx.UndrawnEntries(ctx, poolID)
		if err != nil {
			return fmt.Errorf("load entries: %w", err)
		}
		if len(entries) != e.cfg.PoolSize {
			return &Error{Kind: KindSettlementAborted, PoolID: poolID,
				Err: fmt.Errorf("pool has %d undrawn tickets, want %d", len(entries), e.cfg.PoolSize)}
		}

		pot := decimal.Zero
		for _, entry := range entries {
			pot = pot.Add(entry.Value)
		}
		winners := DrawWinners(entries, e.picker)
		split := ComputePayout(pot, len(winners), entries)

		result = model.SettlementResult{
			RunID:       runID,
			PoolID:      poolID,
			Tier:        pool.Tier,
			Pot:         pot,
			HouseFee:    split.House,
			DevFee:      split.Dev,
			Unallocated: split.Unallocated,
			SettledAt:   e.now().UTC(),
		}

		var transfers []model.Transfer
		outcomes := make([]model.TicketOutcome, 0, len(winners))
		winnerUsers := make([]int64, 0, len(winners))
		winnerTickets := make(map[int64]struct{}, len(winners))
		for i, w := range winners {
			prize := split.Prizes[i]
			outcomes = append(outcomes, model.TicketOutcome{TicketID: w.TicketID, Prize: prize})
			winnerUsers = append(winnerUsers, w.UserID)
			winnerTickets[w.TicketID] = struct{}{}

			paid := w.Wallet != "" && prize.IsPositive()
			if paid {
				transfers = append(transfers, model.Transfer{Recipient: w.Wallet, Amount: prize})
			} else {
				result.Unallocated = result.Unallocated.Add(prize)
			}
			result.Winners = append(result.Winners, model.Winner{
				UserID:   w.UserID,
				TicketID: w.TicketID,
				Place:    i + 1,
				Prize:    prize,
				Paid:     paid,
			})
		}
		for _, entry := range entries {
			if _, won := winnerTickets[entry.TicketID]; !won {
				result.Losers = append(result.Losers, entry.UserID)
			}
		}

		transfers = appendPositive(transfers, e.cfg.HouseWallet, split.House)
		transfers = appendPositive(transfers, e.cfg.DevWallet, split.Dev)

		referrerWallets := make(map[int64]string)
		for _, entry := range entries {
			if entry.ReferrerID != nil {
				referrerWallets[*entry.ReferrerID] = entry.ReferrerWallet
			}
		}
		credits := make(map[int64]decimal.Decimal, len(split.Referrals))
		for _, id := range sortedKeys(split.Referrals) {
			bonus := split.Referrals[id]
			wallet := referrerWallets[id]
			if wallet == "" || !bonus.IsPositive() {
				result.Unallocated = result.Unallocated.Add(bonus)
				continue
			}
			credits[id] = bonus
			result.Referrals = result.Referrals.Add(bonus)
			transfers = append(transfers, model.Transfer{Recipient: wallet, Amount: bonus})
		}

		if err := tx.DrawTickets(ctx, poolID, outcomes); err != nil {
			return fmt.Errorf("draw tickets: %w", err)
		}
		if err := tx.CreditReferrals(ctx, credits); err != nil {
			return fmt.Errorf("credit referrals: %w", err)
		}
		if err := tx.IncrementWins(ctx, winnerUsers); err != nil {
			return fmt.Errorf("increment wins: %w", err)
		}

		txID, err := e.payout(ctx, transfers)
		if err != nil {
			return &Error{Kind: KindPayoutBatchFailed, PoolID: poolID, Err: err}
		}
		result.TxID = txID

		closure := model.PoolClosure{
			PoolID:        poolID,
			CompletedAt:   result.SettledAt,
			TotalPot:      pot,
			HouseFee:      split.House,
			DevFee:        split.Dev,
			ReferralTotal: result.Referrals,
			PayoutTx:      txID,
		}
		for i, w := range winners {
			ticketID, userID := w.TicketID, w.UserID
			closure.WinnerTickets[i] = &ticketID
			closure.WinnerUsers[i] = &userID
		}
		if err := tx.ClosePool(ctx, closure); err != nil {
			return fmt.Errorf("close pool: %w", err)
		}
		next, err := tx.CreatePool(ctx, pool.Tier)
		if err != nil {
			return fmt.Errorf("open next pool: %w", err)
		}
		result.NextPoolID = next.ID
		settled = true
		return nil
	})
	elapsed := e.now().Sub(start)

	if err != nil {
		if errors.Is(err, storage.ErrPoolNotFound) {
			return model.SettlementResult{}, false, err
		}
		kind := KindOf(err)
		if kind == "" {
			kind = KindUnavailable
		}
		if tier == "" {
			tier = "unknown"
		}
		e.metrics.Settlement(tier, string(kind), elapsed)
		logger.Error("settlement failed, pool stays open", zap.String("tier", tier), zap.String("kind", string(kind)), zap.Error(err))
		return model.SettlementResult{}, false, err
	}
	if !settled {
		e.metrics.Settlement(tier, "skipped", elapsed)
		logger.Debug("pool already settled")
		return model.SettlementResult{}, false, nil
	}

	e.metrics.Settlement(tier, "settled", elapsed)
	for _, w := range result.Winners {
		if w.Paid {
			e.metrics.Payout(tier, "prize", w.Prize)
		}
	}
	e.metrics.Payout(tier, "house", result.HouseFee)
	e.metrics.Payout(tier, "dev", result.DevFee)
	e.metrics.Payout(tier, "referral", result.Referrals)
	e.metrics.Payout(tier, "unallocated", result.Unallocated)
	logger.Info("pool settled",
		zap.String("tier", tier),
		zap.String("pot", result.Pot.String()),
		zap.String("tx_id", result.TxID),
		zap.Int64("next_pool_id", result.NextPoolID),
		zap.Duration("elapsed", elapsed),
	)

	e.notify(runCtx, result, logger)
	return result, true, nil
}

func (e *Engine) payout(ctx context.Context, transfers []model.Transfer) (string, error) {
	ctx, cancel := e.ledgerCtx(ctx)
	defer cancel()
	txID, err := e.ledger.BatchTransfer(ctx, e.cfg.CustodyWallet, transfers)
	if err != nil {
		return "", fmt.Errorf("batch transfer: %w", err)
	}
	return txID, nil
}

// notify runs after commit; failures are logged and never undo the draw.
func (e *Engine) notify(ctx context.Context, result model.SettlementResult, logger *zap.Logger) {
	if e.notifier == nil {
		return
	}
	channels, err := e.store.SignalChannels(ctx)
	if err != nil {
		logger.Warn("load signal channels", zap.Error(err))
	}
	if err := e.notifier.NotifySettlement(ctx, result, channels); err != nil {
		logger.Warn("notify settlement", zap.Error(err))
	}
}

func appendPositive(transfers []model.Transfer, wallet string, amount decimal.Decimal) []model.Transfer {
	if !amount.IsPositive() {
		return transfers
	}
	return append(transfers, model.Transfer{Recipient: wallet, Amount: amount})
}

func sortedKeys(m map[int64]decimal.Decimal) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
