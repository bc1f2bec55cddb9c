package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"potline/internal/model"
)

var (
	ErrNoOpenPool   = errors.New("no open pool")
	ErrPoolNotFound = errors.New("pool not found")
	ErrUserNotFound = errors.New("user not found")
)

// Store is the durable owner of pools, tickets, users and channel settings.
// Pool and ticket state is only mutated through a Tx.
type Store interface {
	// WithTx runs fn in one transaction. fn returning an error rolls it back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	EnsureOpenPools(ctx context.Context, tiers []string) error
	FullOpenPools(ctx context.Context, capacity int) ([]model.Pool, error)
	PoolSummaries(ctx context.Context, tiers []string) ([]model.PoolSummary, error)
	Pool(ctx context.Context, poolID int64) (model.Pool, error)
	Tickets(ctx context.Context, poolID int64) ([]model.Ticket, error)

	UpsertUser(ctx context.Context, user model.User) error
	UserStats(ctx context.Context, userID int64) (model.UserStats, error)
	UserHistory(ctx context.Context, userID int64, limit int) ([]model.Ticket, error)
	WalletKey(ctx context.Context, wallet string) (string, error)

	SetChannelSignals(ctx context.Context, channelID int64, enabled bool) error
	SignalChannels(ctx context.Context) ([]int64, error)

	// Reset deletes every ticket and pool and seeds one OPEN pool per tier.
	Reset(ctx context.Context, tiers []string) error
}

// Tx is the transactional view used by admission and settlement.
// Lock methods block until the pool row is available.
type Tx interface {
	LockOpenPool(ctx context.Context, tier string) (model.Pool, error)
	LockPool(ctx context.Context, poolID int64) (model.Pool, error)
	CountTickets(ctx context.Context, poolID int64) (int, error)
	PoolPot(ctx context.Context, poolID int64) (decimal.Decimal, error)
	User(ctx context.Context, userID int64) (model.User, error)
	InsertTickets(ctx context.Context, tickets []model.Ticket) error
	UndrawnEntries(ctx context.Context, poolID int64) ([]model.Entry, error)
	// DrawTickets marks the given outcomes WON and every other undrawn ticket of the pool LOST.
	DrawTickets(ctx context.Context, poolID int64, winners []model.TicketOutcome) error
	CreditReferrals(ctx context.Context, bonuses map[int64]decimal.Decimal) error
	IncrementWins(ctx context.Context, userIDs []int64) error
	ClosePool(ctx context.Context, closure model.PoolClosure) error
	CreatePool(ctx context.Context, tier string) (model.Pool, error)
}
