package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"potline/internal/model"
)

// MemoryLedger is an in-process ledger used for local runs and tests.
// Batches are applied atomically: either every leg moves or none does.
type MemoryLedger struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	batches     [][]model.Transfer
	transferErr error
	batchErr    error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]decimal.Decimal)}
}

// Fund credits a wallet out of thin air.
func (l *MemoryLedger) Fund(wallet string, amount decimal.Decimal) {
	l.mu.Lock()
	l.balances[wallet] = l.balances[wallet].Add(amount)
	l.mu.Unlock()
}

// FailTransfers makes every subsequent Transfer return err. nil clears it.
func (l *MemoryLedger) FailTransfers(err error) {
	l.mu.Lock()
	l.transferErr = err
	l.mu.Unlock()
}

// FailBatches makes every subsequent BatchTransfer return err. nil clears it.
func (l *MemoryLedger) FailBatches(err error) {
	l.mu.Lock()
	l.batchErr = err
	l.mu.Unlock()
}

// Batches returns copies of the batches applied so far.
func (l *MemoryLedger) Batches() [][]model.Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]model.Transfer, 0, len(l.batches))
	for _, b := range l.batches {
		out = append(out, append([]model.Transfer(nil), b...))
	}
	return out
}

func (l *MemoryLedger) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[wallet], nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("transfer amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transferErr != nil {
		return "", l.transferErr
	}
	if l.balances[from].LessThan(amount) {
		return "", fmt.Errorf("insufficient balance in %s", from)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return "mem-" + uuid.NewString(), nil
}

func (l *MemoryLedger) BatchTransfer(ctx context.Context, from string, transfers []model.Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(transfers) == 0 {
		return "", fmt.Errorf("batch is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.batchErr != nil {
		return "", l.batchErr
	}

	total := decimal.Zero
	for _, t := range transfers {
		if !t.Amount.IsPositive() {
			return "", fmt.Errorf("batch amount for %s must be positive", t.Recipient)
		}
		total = total.Add(t.Amount)
	}
	if l.balances[from].LessThan(total) {
		return "", fmt.Errorf("insufficient balance in %s", from)
	}

	l.balances[from] = l.balances[from].Sub(total)
	for _, t := range transfers {
		l.balances[t.Recipient] = l.balances[t.Recipient].Add(t.Amount)
	}
	l.batches = append(l.batches, append([]model.Transfer(nil), transfers...))
	return "mem-" + uuid.NewString(), nil
}
