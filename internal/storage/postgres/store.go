package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"potline/internal/model"
	"potline/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const poolColumns = `
	pool_id, tier, status, created_at, completed_at,
	total_pot::text, house_fee::text, dev_fee::text, referral_total::text,
	first_ticket_id, second_ticket_id, third_ticket_id,
	first_winner_user_id, second_winner_user_id, third_winner_user_id,
	COALESCE(payout_tx, '')`

const ticketColumns = `
	ticket_id, pool_id, user_id, tier, value::text, status, prize_amount::text,
	COALESCE(purchase_tx, ''), created_at`

// Store provides Postgres persistence for pools, tickets and users.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// EnsureOpenPools creates an OPEN pool for every tier that has none.
func (s *Store) EnsureOpenPools(ctx context.Context, tiers []string) error {
	if len(tiers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tier := range tiers {
		batch.Queue(`
			INSERT INTO pools (tier, status)
			SELECT $1, 'OPEN'
			WHERE NOT EXISTS (SELECT 1 FROM pools WHERE tier = $1 AND status = 'OPEN')
			ON CONFLICT DO NOTHING
		`, tier)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, tier := range tiers {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seed pool %s: %w", tier, err)
		}
	}
	return nil
}

// FullOpenPools returns OPEN pools already holding capacity tickets.
func (s *Store) FullOpenPools(ctx context.Context, capacity int) ([]model.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+poolColumns+`
		FROM pools p
		WHERE p.status = 'OPEN'
		  AND (SELECT COUNT(*) FROM tickets t WHERE t.pool_id = p.pool_id) >= $1
		ORDER BY p.pool_id
	`, capacity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, rows.Err()
}

// PoolSummaries returns the open pool of each tier with its ticket count and pot.
func (s *Store) PoolSummaries(ctx context.Context, tiers []string) ([]model.PoolSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.tier, p.pool_id, COUNT(t.ticket_id), COALESCE(SUM(t.value), 0)::text
		FROM pools p
		LEFT JOIN tickets t ON t.pool_id = p.pool_id
		WHERE p.status = 'OPEN' AND p.tier = ANY($1)
		GROUP BY p.tier, p.pool_id
	`, tiers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTier := make(map[string]model.PoolSummary, len(tiers))
	for rows.Next() {
		var (
			sum    model.PoolSummary
			potStr string
		)
		if err := rows.Scan(&sum.Tier, &sum.PoolID, &sum.Tickets, &potStr); err != nil {
			return nil, err
		}
		if sum.Pot, err = decimal.NewFromString(potStr); err != nil {
			return nil, fmt.Errorf("parse pot: %w", err)
		}
		sum.HasPool = true
		byTier[sum.Tier] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.PoolSummary, 0, len(tiers))
	for _, tier := range tiers {
		sum, ok := byTier[tier]
		if !ok {
			sum = model.PoolSummary{Tier: tier}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Store) Pool(ctx context.Context, poolID int64) (model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE pool_id = $1`, poolID)
	pool, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pool{}, storage.ErrPoolNotFound
	}
	return pool, err
}

func (s *Store) Tickets(ctx context.Context, poolID int64) ([]model.Ticket, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE pool_id = $1 ORDER BY ticket_id`, poolID)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// UpsertUser inserts a user or updates its wallet. referred_by is only set on insert.
func (s *Store) UpsertUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, wallet_address, wallet_key, referred_by, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, now(), now())
		ON CONFLICT (user_id) DO UPDATE SET
			wallet_address = COALESCE(EXCLUDED.wallet_address, users.wallet_address),
			wallet_key = COALESCE(EXCLUDED.wallet_key, users.wallet_key),
			updated_at = now()
	`, user.ID, user.WalletAddress, user.WalletKey, user.ReferredBy)
	return err
}

func (s *Store) UserStats(ctx context.Context, userID int64) (model.UserStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier,
		       COUNT(*),
		       COALESCE(SUM(value), 0)::text,
		       COALESCE(SUM(prize_amount), 0)::text,
		       COUNT(*) FILTER (WHERE status = 'WON')
		FROM tickets
		WHERE user_id = $1
		GROUP BY tier
		ORDER BY tier
	`, userID)
	if err != nil {
		return model.UserStats{}, err
	}
	defer rows.Close()

	stats := model.UserStats{UserID: userID}
	for rows.Next() {
		var (
			ts               model.TierStats
			spentStr, wonStr string
		)
		if err := rows.Scan(&ts.Tier, &ts.Tickets, &spentStr, &wonStr, &ts.Wins); err != nil {
			return model.UserStats{}, err
		}
		if ts.Spent, err = decimal.NewFromString(spentStr); err != nil {
			return model.UserStats{}, fmt.Errorf("parse spent: %w", err)
		}
		if ts.Won, err = decimal.NewFromString(wonStr); err != nil {
			return model.UserStats{}, fmt.Errorf("parse won: %w", err)
		}
		stats.Tickets += ts.Tickets
		stats.Spent = stats.Spent.Add(ts.Spent)
		stats.Won = stats.Won.Add(ts.Won)
		stats.Wins += ts.Wins
		stats.ByTier = append(stats.ByTier, ts)
	}
	return stats, rows.Err()
}

func (s *Store) UserHistory(ctx context.Context, userID int64, limit int) ([]model.Ticket, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE user_id = $1
		ORDER BY created_at DESC, ticket_id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// WalletKey returns the stored signing key of a custodial user wallet.
func (s *Store) WalletKey(ctx context.Context, wallet string) (string, error) {
	var key *string
	err := s.pool.QueryRow(ctx, `SELECT wallet_key FROM users WHERE lower(wallet_address) = lower($1) LIMIT 1`, wallet).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrUserNotFound
		}
		return "", err
	}
	if key == nil || *key == "" {
		return "", fmt.Errorf("wallet %s has no key: %w", wallet, storage.ErrUserNotFound)
	}
	return *key, nil
}

func (s *Store) SetChannelSignals(ctx context.Context, channelID int64, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_settings (channel_id, signals_enabled, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (channel_id) DO UPDATE
		SET signals_enabled = EXCLUDED.signals_enabled, updated_at = now()
	`, channelID, enabled)
	return err
}

func (s *Store) SignalChannels(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT channel_id FROM channel_settings WHERE signals_enabled ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reset wipes tickets and pools and reseeds one OPEN pool per tier.
func (s *Store) Reset(ctx context.Context, tiers []string) error {
	return s.WithTx(ctx, func(tx storage.Tx) error {
		pt := tx.(*pgTx)
		if _, err := pt.tx.Exec(ctx, `DELETE FROM tickets`); err != nil {
			return fmt.Errorf("delete tickets: %w", err)
		}
		if _, err := pt.tx.Exec(ctx, `DELETE FROM pools`); err != nil {
			return fmt.Errorf("delete pools: %w", err)
		}
		for _, tier := range tiers {
			if _, err := tx.CreatePool(ctx, tier); err != nil {
				return err
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (model.Pool, error) {
	var (
		pool                             model.Pool
		status                           string
		potStr, houseStr, devStr, refStr string
	)
	err := row.Scan(
		&pool.ID, &pool.Tier, &status, &pool.CreatedAt, &pool.CompletedAt,
		&potStr, &houseStr, &devStr, &refStr,
		&pool.WinnerTickets[0], &pool.WinnerTickets[1], &pool.WinnerTickets[2],
		&pool.WinnerUsers[0], &pool.WinnerUsers[1], &pool.WinnerUsers[2],
		&pool.PayoutTx,
	)
	if err != nil {
		return model.Pool{}, err
	}
	pool.Status = model.PoolStatus(status)
	if pool.TotalPot, err = decimal.NewFromString(potStr); err != nil {
		return model.Pool{}, fmt.Errorf("parse total pot: %w", err)
	}
	if pool.HouseFee, err = decimal.NewFromString(houseStr); err != nil {
		return model.Pool{}, fmt.Errorf("parse house fee: %w", err)
	}
	if pool.DevFee, err = decimal.NewFromString(devStr); err != nil {
		return model.Pool{}, fmt.Errorf("parse dev fee: %w", err)
	}
	if pool.ReferralTotal, err = decimal.NewFromString(refStr); err != nil {
		return model.Pool{}, fmt.Errorf("parse referral total: %w", err)
	}
	return pool, nil
}

func collectTickets(rows pgx.Rows) ([]model.Ticket, error) {
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var (
			t                  model.Ticket
			status             string
			valueStr, prizeStr string
		)
		if err := rows.Scan(&t.ID, &t.PoolID, &t.UserID, &t.Tier, &valueStr, &status, &prizeStr, &t.PurchaseTx, &t.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if t.Value, err = decimal.NewFromString(valueStr); err != nil {
			return nil, fmt.Errorf("parse ticket value: %w", err)
		}
		if t.PrizeAmount, err = decimal.NewFromString(prizeStr); err != nil {
			return nil, fmt.Errorf("parse prize amount: %w", err)
		}
		t.Status = model.TicketStatus(status)
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
