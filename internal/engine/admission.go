package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"potline/internal/model"
	"potline/internal/storage"
)

// errPoolFull is returned from inside an admission transaction when the open
// pool is at capacity but not yet settled.
var errPoolFull = errors.New("open pool is full")

// Buy admits req.Quantity tickets for req.UserID into the open pool of
// req.Tier. The returned result is always populated; on failure err is an
// *Error and the result carries the same detail.
func (e *Engine) Buy(ctx context.Context, req model.PurchaseRequest) (model.AdmissionResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	logger := e.logger.With(
		zap.String("request_id", req.RequestID),
		zap.Int64("user_id", req.UserID),
		zap.String("tier", req.Tier),
		zap.Int("quantity", req.Quantity),
	)

	res, err := e.buy(ctx, req, logger)
	res.RequestID = req.RequestID
	if err != nil {
		var ee *Error
		if !errors.As(err, &ee) {
			ee = &Error{Kind: KindUnavailable, Err: err}
			err = ee
		}
		fillFailure(&res, ee)
		e.metrics.Admission(req.Tier, string(ee.Kind))
		if ee.Kind == KindTransferFailed || ee.Kind == KindUnavailable {
			logger.Warn("admission failed", zap.Error(err))
		} else {
			logger.Debug("admission rejected", zap.String("kind", string(ee.Kind)), zap.Error(err))
		}
		return res, err
	}

	e.metrics.Admission(req.Tier, "success")
	e.metrics.Sold(req.Tier, req.Quantity)
	logger.Info("tickets admitted", zap.Int64("pool_id", res.PoolID), zap.Int("spots_remaining", *res.SpotsRemaining))
	return res, nil
}

func (e *Engine) buy(ctx context.Context, req model.PurchaseRequest, logger *zap.Logger) (model.AdmissionResult, error) {
	price, ok := e.prices[req.Tier]
	if !ok {
		return model.AdmissionResult{}, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("unknown tier %q", req.Tier)}
	}
	if req.Quantity < 1 || req.Quantity > e.cfg.PoolSize {
		return model.AdmissionResult{}, &Error{Kind: KindInvalidRequest, Err: fmt.Errorf("quantity must be between 1 and %d", e.cfg.PoolSize)}
	}
	if wait, ok := e.cooldown.Allow(req.UserID, req.Tier, e.now()); !ok {
		return model.AdmissionResult{}, &Error{Kind: KindThrottled, RetryAfter: wait}
	}

	var res model.AdmissionResult
	var filled bool
	retryable := func(err error) bool {
		return errors.Is(err, errPoolFull) || errors.Is(err, storage.ErrNoOpenPool)
	}
	err := withRetry(ctx, e.cfg.PoolWaitRetries, e.cfg.PoolWaitBackoff, retryable, func(ctx context.Context) error {
		var err error
		res, filled, err = e.admit(ctx, req, price, logger)
		return err
	})
	switch {
	case errors.Is(err, errPoolFull), errors.Is(err, storage.ErrNoOpenPool):
		return model.AdmissionResult{}, &Error{Kind: KindNoOpenPool, Err: err}
	case err != nil:
		return model.AdmissionResult{}, err
	}

	// The pool row lock linearises admissions, so only the one that brought
	// the count to capacity observes it here.
	if filled {
		logger.Info("pool filled", zap.Int64("pool_id", res.PoolID))
		e.trigger.Trigger(res.PoolID)
	}
	return res, nil
}

// admit runs one locked check-and-insert against the open pool.
func (e *Engine) admit(ctx context.Context, req model.PurchaseRequest, price decimal.Decimal, logger *zap.Logger) (model.AdmissionResult, bool, error) {
	var res model.AdmissionResult
	var filled bool
	var fullPool int64
	var paid string

	// The caller may cancel until the stake transfer is issued. From then on
	// the insert and the commit run to completion.
	paidCtx := context.WithoutCancel(ctx)
	err := e.store.WithTx(paidCtx, func(tx storage.Tx) error {
		pool, err := tx.LockOpenPool(ctx, req.Tier)
		if err != nil {
			return err
		}
		count, err := tx.CountTickets(ctx, pool.ID)
		if err != nil {
			return fmt.Errorf("count tickets: %w", err)
		}
		if count >= e.cfg.PoolSize {
			fullPool = pool.ID
			return errPoolFull
		}
		if count+req.Quantity > e.cfg.PoolSize {
			return &Error{Kind: KindCapacityExceeded, PoolID: pool.ID, Remaining: e.cfg.PoolSize - count}
		}

		user, err := tx.User(ctx, req.UserID)
		if errors.Is(err, storage.ErrUserNotFound) {
			return &Error{Kind: KindInvalidRequest, Err: err}
		}
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user.WalletAddress == "" {
			return &Error{Kind: KindWalletMissing}
		}

		required := price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		balance, err := e.balance(ctx, user.WalletAddress)
		if err != nil {
			return &Error{Kind: KindTransferFailed, PoolID: pool.ID, Err: fmt.Errorf("get balance: %w", err)}
		}
		if balance.LessThan(required) {
			return &Error{Kind: KindInsufficientFunds, PoolID: pool.ID, Balance: balance, Required: required}
		}

		txID, err := e.transfer(ctx, user.WalletAddress, required)
		if err != nil {
			return &Error{Kind: KindTransferFailed, PoolID: pool.ID, Err: err}
		}
		paid = txID
		ctx := paidCtx

		tickets := make([]model.Ticket, req.Quantity)
		for i := range tickets {
			tickets[i] = model.Ticket{
				PoolID:      pool.ID,
				UserID:      req.UserID,
				Tier:        req.Tier,
				Value:       price,
				Status:      model.TicketNotDrawn,
				PrizeAmount: decimal.Zero,
				PurchaseTx:  txID,
			}
		}
		if err := tx.InsertTickets(ctx, tickets); err != nil {
			logger.Error("tickets not recorded after payment", zap.String("tx_id", txID), zap.Error(err))
			return &Error{Kind: KindUnavailable, PoolID: pool.ID, TxID: txID, Err: fmt.Errorf("insert tickets: %w", err)}
		}
		pot, err := tx.PoolPot(ctx, pool.ID)
		if err != nil {
			return &Error{Kind: KindUnavailable, PoolID: pool.ID, TxID: txID, Err: fmt.Errorf("pool pot: %w", err)}
		}

		remaining := e.cfg.PoolSize - count - req.Quantity
		res = model.AdmissionResult{
			Success:        true,
			PoolID:         pool.ID,
			Pot:            &pot,
			SpotsRemaining: &remaining,
			TicketsBought:  req.Quantity,
			TxID:           txID,
		}
		filled = remaining == 0
		return nil
	})

	if errors.Is(err, errPoolFull) {
		logger.Debug("open pool full, waiting for settlement", zap.Int64("pool_id", fullPool))
		e.trigger.Trigger(fullPool)
	}
	if err != nil && paid != "" && KindOf(err) == "" {
		logger.Error("tickets not recorded after payment", zap.String("tx_id", paid), zap.Error(err))
		err = &Error{Kind: KindUnavailable, TxID: paid, Err: err}
	}
	return res, filled, err
}

func (e *Engine) balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	ctx, cancel := e.ledgerCtx(ctx)
	defer cancel()
	return e.ledger.Balance(ctx, wallet)
}

func (e *Engine) transfer(ctx context.Context, from string, amount decimal.Decimal) (string, error) {
	ctx, cancel := e.ledgerCtx(ctx)
	defer cancel()
	txID, err := e.ledger.Transfer(ctx, from, e.cfg.CustodyWallet, amount)
	if err != nil {
		return "", fmt.Errorf("transfer stake: %w", err)
	}
	return txID, nil
}

func fillFailure(res *model.AdmissionResult, err *Error) {
	res.Success = false
	res.ErrorKind = string(err.Kind)
	res.Error = err.Error()
	if err.PoolID != 0 {
		res.PoolID = err.PoolID
	}
	res.TxID = err.TxID
	switch err.Kind {
	case KindCapacityExceeded:
		remaining := err.Remaining
		res.Remaining = &remaining
	case KindInsufficientFunds:
		balance, required := err.Balance, err.Required
		res.Balance = &balance
		res.Required = &required
	case KindThrottled:
		res.RetryAfter = err.RetryAfter
	}
}
