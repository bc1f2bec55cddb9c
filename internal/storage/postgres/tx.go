package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"potline/internal/model"
	"potline/internal/storage"
)

type pgTx struct {
	tx pgx.Tx
}

// LockOpenPool takes a blocking row lock on the tier's open pool. A pool closed
// while we waited is skipped by Postgres and surfaces as ErrNoOpenPool.
func (t *pgTx) LockOpenPool(ctx context.Context, tier string) (model.Pool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+poolColumns+`
		FROM pools
		WHERE status = 'OPEN' AND tier = $1
		ORDER BY pool_id
		LIMIT 1
		FOR UPDATE
	`, tier)
	pool, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, storage.ErrNoOpenPool
	}
	if err != nil {
		return model.Pool{}, fmt.Errorf("lock open pool: %w", err)
	}
	return pool, nil
}

func (t *pgTx) LockPool(ctx context.Context, poolID int64) (model.Pool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE pool_id = $1 FOR UPDATE`, poolID)
	pool, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, storage.ErrPoolNotFound
	}
	if err != nil {
		return model.Pool{}, fmt.Errorf("lock pool: %w", err)
	}
	return pool, nil
}

func (t *pgTx) CountTickets(ctx context.Context, poolID int64) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE pool_id = $1`, poolID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tickets: %w", err)
	}
	return n, nil
}

func (t *pgTx) PoolPot(ctx context.Context, poolID int64) (decimal.Decimal, error) {
	var potStr string
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(value), 0)::text FROM tickets WHERE pool_id = $1`, poolID).Scan(&potStr); err != nil {
		return decimal.Zero, fmt.Errorf("sum pot: %w", err)
	}
	return decimal.NewFromString(potStr)
}

func (t *pgTx) User(ctx context.Context, userID int64) (model.User, error) {
	var (
		user        model.User
		wallet, key *string
		earningsStr string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT user_id, wallet_address, wallet_key, referred_by, referral_earnings::text, total_wins
		FROM users WHERE user_id = $1
	`, userID).Scan(&user.ID, &wallet, &key, &user.ReferredBy, &earningsStr, &user.TotalWins)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, storage.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if wallet != nil {
		user.WalletAddress = *wallet
	}
	if key != nil {
		user.WalletKey = *key
	}
	if user.ReferralEarnings, err = decimal.NewFromString(earningsStr); err != nil {
		return model.User{}, fmt.Errorf("parse referral earnings: %w", err)
	}
	return user, nil
}

func (t *pgTx) InsertTickets(ctx context.Context, tickets []model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ticket := range tickets {
		batch.Queue(`
			INSERT INTO tickets (pool_id, user_id, tier, value, status, prize_amount, purchase_tx, created_at)
			VALUES ($1, $2, $3, $4::numeric, 'NOT_DRAWN', 0, NULLIF($5, ''), now())
		`,
			ticket.PoolID,
			ticket.UserID,
			ticket.Tier,
			ticket.Value.String(),
			ticket.PurchaseTx,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for range tickets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UndrawnEntries(ctx context.Context, poolID int64) ([]model.Entry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT t.ticket_id, t.user_id, t.value::text,
		       COALESCE(u.wallet_address, ''), u.referred_by, COALESCE(r.wallet_address, '')
		FROM tickets t
		LEFT JOIN users u ON u.user_id = t.user_id
		LEFT JOIN users r ON r.user_id = u.referred_by
		WHERE t.pool_id = $1 AND t.status = 'NOT_DRAWN'
		ORDER BY t.ticket_id
	`, poolID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var (
			e        model.Entry
			valueStr string
		)
		if err := rows.Scan(&e.TicketID, &e.UserID, &valueStr, &e.Wallet, &e.ReferrerID, &e.ReferrerWallet); err != nil {
			return nil, err
		}
		if e.Value, err = decimal.NewFromString(valueStr); err != nil {
			return nil, fmt.Errorf("parse ticket value: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) DrawTickets(ctx context.Context, poolID int64, winners []model.TicketOutcome) error {
	batch := &pgx.Batch{}
	for _, w := range winners {
		batch.Queue(`
			UPDATE tickets SET status = 'WON', prize_amount = $1::numeric
			WHERE ticket_id = $2 AND pool_id = $3 AND status = 'NOT_DRAWN'
		`, w.Prize.String(), w.TicketID, poolID)
	}
	batch.Queue(`
		UPDATE tickets SET status = 'LOST', prize_amount = 0
		WHERE pool_id = $1 AND status = 'NOT_DRAWN'
	`, poolID)

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for _, w := range winners {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("mark winner %d: %w", w.TicketID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("mark winner %d: ticket not undrawn in pool %d", w.TicketID, poolID)
		}
	}
	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("mark losers: %w", err)
	}
	return nil
}

func (t *pgTx) CreditReferrals(ctx context.Context, bonuses map[int64]decimal.Decimal) error {
	if len(bonuses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for userID, amount := range bonuses {
		batch.Queue(`
			UPDATE users SET referral_earnings = referral_earnings + $1::numeric, updated_at = now()
			WHERE user_id = $2
		`, amount.String(), userID)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for range bonuses {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("credit referral: %w", err)
		}
	}
	return nil
}

func (t *pgTx) IncrementWins(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range userIDs {
		batch.Queue(`UPDATE users SET total_wins = total_wins + 1, updated_at = now() WHERE user_id = $1`, id)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	for range userIDs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("increment wins: %w", err)
		}
	}
	return nil
}

func (t *pgTx) ClosePool(ctx context.Context, c model.PoolClosure) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE pools SET
			status = 'CLOSED',
			completed_at = $2,
			total_pot = $3::numeric,
			house_fee = $4::numeric,
			dev_fee = $5::numeric,
			referral_total = $6::numeric,
			first_ticket_id = $7,
			second_ticket_id = $8,
			third_ticket_id = $9,
			first_winner_user_id = $10,
			second_winner_user_id = $11,
			third_winner_user_id = $12,
			payout_tx = $13
		WHERE pool_id = $1 AND status = 'OPEN'
	`,
		c.PoolID,
		c.CompletedAt,
		c.TotalPot.String(),
		c.HouseFee.String(),
		c.DevFee.String(),
		c.ReferralTotal.String(),
		c.WinnerTickets[0], c.WinnerTickets[1], c.WinnerTickets[2],
		c.WinnerUsers[0], c.WinnerUsers[1], c.WinnerUsers[2],
		c.PayoutTx,
	)
	if err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("close pool %d: not open", c.PoolID)
	}
	return nil
}

func (t *pgTx) CreatePool(ctx context.Context, tier string) (model.Pool, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO pools (tier, status, created_at) VALUES ($1, 'OPEN', now())
		RETURNING `+poolColumns, tier)
	pool, err := scanPool(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Pool{}, fmt.Errorf("create pool %s: open pool already exists", tier)
		}
		return model.Pool{}, fmt.Errorf("create pool %s: %w", tier, err)
	}
	return pool, nil
}
