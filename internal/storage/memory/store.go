// Package memory is an in-process Store. Each tier has a one-slot semaphore that
// plays the role of the pool row lock; a transaction keeps its writes private
// until commit.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"potline/internal/model"
	"potline/internal/storage"
)

type Store struct {
	mu         sync.Mutex
	nextPool   int64
	nextTicket int64
	pools      map[int64]*model.Pool
	tickets    map[int64]*model.Ticket
	users      map[int64]*model.User
	channels   map[int64]bool
	locks      map[string]chan struct{}
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		pools:    make(map[int64]*model.Pool),
		tickets:  make(map[int64]*model.Ticket),
		users:    make(map[int64]*model.User),
		channels: make(map[int64]bool),
		locks:    make(map[string]chan struct{}),
	}
}

// WithTx stages every write of fn and applies them only if fn succeeds and
// ctx is still live, so outside readers never see a transaction in progress.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx := newMemTx(s)
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	tx.commit()
	return nil
}

func (s *Store) tierLock(tier string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[tier]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[tier] = ch
	}
	return ch
}

// openPoolLocked expects s.mu held.
func (s *Store) openPoolLocked(tier string) *model.Pool {
	var found *model.Pool
	for _, p := range s.pools {
		if p.Tier == tier && p.Status == model.PoolOpen {
			if found == nil || p.ID < found.ID {
				found = p
			}
		}
	}
	return found
}

// poolTicketsLocked expects s.mu held. Tickets are returned in id order.
func (s *Store) poolTicketsLocked(poolID int64) []*model.Ticket {
	var out []*model.Ticket
	for _, t := range s.tickets {
		if t.PoolID == poolID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *model.Ticket) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) createPoolLocked(tier string) (*model.Pool, error) {
	if s.openPoolLocked(tier) != nil {
		return nil, fmt.Errorf("create pool %s: open pool already exists", tier)
	}
	s.nextPool++
	p := &model.Pool{
		ID:        s.nextPool,
		Tier:      tier,
		Status:    model.PoolOpen,
		CreatedAt: time.Now().UTC(),
	}
	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) EnsureOpenPools(ctx context.Context, tiers []string) error {
	for _, tier := range tiers {
		err := s.WithTx(ctx, func(tx storage.Tx) error {
			_, err := tx.LockOpenPool(ctx, tier)
			if !errors.Is(err, storage.ErrNoOpenPool) {
				return err
			}
			_, err = tx.CreatePool(ctx, tier)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed pool %s: %w", tier, err)
		}
	}
	return nil
}

func (s *Store) FullOpenPools(ctx context.Context, capacity int) ([]model.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Pool
	for _, p := range s.pools {
		if p.Status == model.PoolOpen && len(s.poolTicketsLocked(p.ID)) >= capacity {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b model.Pool) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) PoolSummaries(ctx context.Context, tiers []string) ([]model.PoolSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PoolSummary, 0, len(tiers))
	for _, tier := range tiers {
		sum := model.PoolSummary{Tier: tier}
		if p := s.openPoolLocked(tier); p != nil {
			sum.PoolID = p.ID
			sum.HasPool = true
			for _, t := range s.poolTicketsLocked(p.ID) {
				sum.Tickets++
				sum.Pot = sum.Pot.Add(t.Value)
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Store) Pool(ctx context.Context, poolID int64) (model.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolID]
	if !ok {
		return model.Pool{}, storage.ErrPoolNotFound
	}
	return *p, nil
}

func (s *Store) Tickets(ctx context.Context, poolID int64) ([]model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Ticket
	for _, t := range s.poolTicketsLocked(poolID) {
		out = append(out, *t)
	}
	return out, nil
}

func (s *Store) UpsertUser(ctx context.Context, user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[user.ID]
	if !ok {
		u := user
		s.users[user.ID] = &u
		return nil
	}
	if user.WalletAddress != "" {
		existing.WalletAddress = user.WalletAddress
	}
	if user.WalletKey != "" {
		existing.WalletKey = user.WalletKey
	}
	return nil
}

func (s *Store) UserStats(ctx context.Context, userID int64) (model.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := model.UserStats{UserID: userID}
	byTier := make(map[string]*model.TierStats)
	var order []string
	for _, t := range s.tickets {
		if t.UserID != userID {
			continue
		}
		ts, ok := byTier[t.Tier]
		if !ok {
			ts = &model.TierStats{Tier: t.Tier}
			byTier[t.Tier] = ts
			order = append(order, t.Tier)
		}
		ts.Tickets++
		ts.Spent = ts.Spent.Add(t.Value)
		ts.Won = ts.Won.Add(t.PrizeAmount)
		if t.Status == model.TicketWon {
			ts.Wins++
		}
	}
	slices.Sort(order)
	for _, tier := range order {
		ts := byTier[tier]
		stats.Tickets += ts.Tickets
		stats.Spent = stats.Spent.Add(ts.Spent)
		stats.Won = stats.Won.Add(ts.Won)
		stats.Wins += ts.Wins
		stats.ByTier = append(stats.ByTier, *ts)
	}
	return stats, nil
}

func (s *Store) UserHistory(ctx context.Context, userID int64, limit int) ([]model.Ticket, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Ticket
	for _, t := range s.tickets {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b model.Ticket) int { return cmp.Compare(b.ID, a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) WalletKey(ctx context.Context, wallet string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.WalletAddress, wallet) && u.WalletKey != "" {
			return u.WalletKey, nil
		}
	}
	return "", storage.ErrUserNotFound
}

func (s *Store) SetChannelSignals(ctx context.Context, channelID int64, enabled bool) error {
	s.mu.Lock()
	s.channels[channelID] = enabled
	s.mu.Unlock()
	return nil
}

func (s *Store) SignalChannels(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, enabled := range s.channels {
		if enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Reset waits for every tier lock, so no transaction is in flight while the
// pools are replaced.
func (s *Store) Reset(ctx context.Context, tiers []string) error {
	s.mu.Lock()
	all := slices.Clone(tiers)
	for tier := range s.locks {
		all = append(all, tier)
	}
	s.mu.Unlock()
	slices.Sort(all)
	all = slices.Compact(all)

	tx := newMemTx(s)
	defer tx.release()
	for _, tier := range all {
		if err := tx.lock(ctx, tier); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = make(map[int64]*model.Pool)
	s.tickets = make(map[int64]*model.Ticket)
	for _, tier := range tiers {
		if _, err := s.createPoolLocked(tier); err != nil {
			return err
		}
	}
	return nil
}

// memTx reads through its own staged writes to the committed maps.
type memTx struct {
	s    *Store
	held map[string]chan struct{}

	newPools   map[int64]*model.Pool
	pools      map[int64]model.Pool
	newTickets map[int64]*model.Ticket
	tickets    map[int64]model.Ticket
	users      map[int64]model.User
}

func newMemTx(s *Store) *memTx {
	return &memTx{
		s:          s,
		held:       make(map[string]chan struct{}),
		newPools:   make(map[int64]*model.Pool),
		pools:      make(map[int64]model.Pool),
		newTickets: make(map[int64]*model.Ticket),
		tickets:    make(map[int64]model.Ticket),
		users:      make(map[int64]model.User),
	}
}

func (t *memTx) lock(ctx context.Context, tier string) error {
	if _, ok := t.held[tier]; ok {
		return nil
	}
	ch := t.s.tierLock(tier)
	select {
	case ch <- struct{}{}:
		t.held[tier] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTx) release() {
	for tier, ch := range t.held {
		<-ch
		delete(t.held, tier)
	}
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, p := range t.newPools {
		t.s.pools[id] = p
	}
	for id, p := range t.pools {
		if cur, ok := t.s.pools[id]; ok {
			*cur = p
		}
	}
	for id, tk := range t.newTickets {
		t.s.tickets[id] = tk
	}
	for id, tk := range t.tickets {
		if cur, ok := t.s.tickets[id]; ok {
			*cur = tk
		}
	}
	for id, u := range t.users {
		if cur, ok := t.s.users[id]; ok {
			*cur = u
		}
	}
}

// The view helpers below expect t.s.mu held.

func (t *memTx) poolLocked(id int64) (model.Pool, bool) {
	if p, ok := t.newPools[id]; ok {
		return *p, true
	}
	if p, ok := t.pools[id]; ok {
		return p, true
	}
	if p, ok := t.s.pools[id]; ok {
		return *p, true
	}
	return model.Pool{}, false
}

func (t *memTx) openPoolLocked(tier string) (model.Pool, bool) {
	var found model.Pool
	ok := false
	consider := func(id int64) {
		p, _ := t.poolLocked(id)
		if p.Tier == tier && p.Status == model.PoolOpen && (!ok || p.ID < found.ID) {
			found, ok = p, true
		}
	}
	for id := range t.s.pools {
		consider(id)
	}
	for id := range t.newPools {
		consider(id)
	}
	return found, ok
}

// ticketsLocked returns the pool's tickets as this transaction sees them, in id order.
func (t *memTx) ticketsLocked(poolID int64) []model.Ticket {
	var out []model.Ticket
	for id, tk := range t.s.tickets {
		if tk.PoolID != poolID {
			continue
		}
		if staged, ok := t.tickets[id]; ok {
			out = append(out, staged)
		} else {
			out = append(out, *tk)
		}
	}
	for _, tk := range t.newTickets {
		if tk.PoolID == poolID {
			if staged, ok := t.tickets[tk.ID]; ok {
				out = append(out, staged)
			} else {
				out = append(out, *tk)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.Ticket) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (t *memTx) userLocked(id int64) (model.User, bool) {
	if u, ok := t.users[id]; ok {
		return u, true
	}
	if u, ok := t.s.users[id]; ok {
		return *u, true
	}
	return model.User{}, false
}

func (t *memTx) LockOpenPool(ctx context.Context, tier string) (model.Pool, error) {
	if err := t.lock(ctx, tier); err != nil {
		return model.Pool{}, fmt.Errorf("lock open pool: %w", err)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.openPoolLocked(tier)
	if !ok {
		return model.Pool{}, storage.ErrNoOpenPool
	}
	return p, nil
}

func (t *memTx) LockPool(ctx context.Context, poolID int64) (model.Pool, error) {
	t.s.mu.Lock()
	p, ok := t.poolLocked(poolID)
	t.s.mu.Unlock()
	if !ok {
		return model.Pool{}, storage.ErrPoolNotFound
	}

	if err := t.lock(ctx, p.Tier); err != nil {
		return model.Pool{}, fmt.Errorf("lock pool: %w", err)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok = t.poolLocked(poolID)
	if !ok {
		return model.Pool{}, storage.ErrPoolNotFound
	}
	return p, nil
}

func (t *memTx) CountTickets(ctx context.Context, poolID int64) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return len(t.ticketsLocked(poolID)), nil
}

func (t *memTx) PoolPot(ctx context.Context, poolID int64) (decimal.Decimal, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	pot := decimal.Zero
	for _, tk := range t.ticketsLocked(poolID) {
		pot = pot.Add(tk.Value)
	}
	return pot, nil
}

func (t *memTx) User(ctx context.Context, userID int64) (model.User, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	u, ok := t.userLocked(userID)
	if !ok {
		return model.User{}, storage.ErrUserNotFound
	}
	return u, nil
}

func (t *memTx) InsertTickets(ctx context.Context, tickets []model.Ticket) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	now := time.Now().UTC()
	for _, ticket := range tickets {
		if _, ok := t.poolLocked(ticket.PoolID); !ok {
			return fmt.Errorf("insert ticket: %w", storage.ErrPoolNotFound)
		}
		t.s.nextTicket++
		tk := ticket
		tk.ID = t.s.nextTicket
		tk.Status = model.TicketNotDrawn
		tk.PrizeAmount = decimal.Zero
		tk.CreatedAt = now
		t.newTickets[tk.ID] = &tk
	}
	return nil
}

func (t *memTx) UndrawnEntries(ctx context.Context, poolID int64) ([]model.Entry, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var entries []model.Entry
	for _, tk := range t.ticketsLocked(poolID) {
		if tk.Status != model.TicketNotDrawn {
			continue
		}
		e := model.Entry{TicketID: tk.ID, UserID: tk.UserID, Value: tk.Value}
		if u, ok := t.userLocked(tk.UserID); ok {
			e.Wallet = u.WalletAddress
			if u.ReferredBy != nil {
				ref := *u.ReferredBy
				e.ReferrerID = &ref
				if r, ok := t.userLocked(ref); ok {
					e.ReferrerWallet = r.WalletAddress
				}
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (t *memTx) DrawTickets(ctx context.Context, poolID int64, winners []model.TicketOutcome) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	current := t.ticketsLocked(poolID)
	undrawn := make(map[int64]bool, len(current))
	for _, tk := range current {
		undrawn[tk.ID] = tk.Status == model.TicketNotDrawn
	}
	prizes := make(map[int64]decimal.Decimal, len(winners))
	for _, w := range winners {
		if !undrawn[w.TicketID] {
			return fmt.Errorf("mark winner %d: ticket not undrawn in pool %d", w.TicketID, poolID)
		}
		prizes[w.TicketID] = w.Prize
	}
	for _, tk := range current {
		if tk.Status != model.TicketNotDrawn {
			continue
		}
		if prize, ok := prizes[tk.ID]; ok {
			tk.Status = model.TicketWon
			tk.PrizeAmount = prize
		} else {
			tk.Status = model.TicketLost
			tk.PrizeAmount = decimal.Zero
		}
		t.tickets[tk.ID] = tk
	}
	return nil
}

func (t *memTx) CreditReferrals(ctx context.Context, bonuses map[int64]decimal.Decimal) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for userID, amount := range bonuses {
		u, ok := t.userLocked(userID)
		if !ok {
			continue
		}
		u.ReferralEarnings = u.ReferralEarnings.Add(amount)
		t.users[userID] = u
	}
	return nil
}

func (t *memTx) IncrementWins(ctx context.Context, userIDs []int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range userIDs {
		u, ok := t.userLocked(id)
		if !ok {
			continue
		}
		u.TotalWins++
		t.users[id] = u
	}
	return nil
}

func (t *memTx) ClosePool(ctx context.Context, c model.PoolClosure) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.poolLocked(c.PoolID)
	if !ok || p.Status != model.PoolOpen {
		return fmt.Errorf("close pool %d: not open", c.PoolID)
	}
	completed := c.CompletedAt
	p.Status = model.PoolClosed
	p.CompletedAt = &completed
	p.TotalPot = c.TotalPot
	p.HouseFee = c.HouseFee
	p.DevFee = c.DevFee
	p.ReferralTotal = c.ReferralTotal
	p.WinnerTickets = c.WinnerTickets
	p.WinnerUsers = c.WinnerUsers
	p.PayoutTx = c.PayoutTx
	if staged, ok := t.newPools[p.ID]; ok {
		*staged = p
	} else {
		t.pools[p.ID] = p
	}
	return nil
}

func (t *memTx) CreatePool(ctx context.Context, tier string) (model.Pool, error) {
	if err := t.lock(ctx, tier); err != nil {
		return model.Pool{}, fmt.Errorf("create pool %s: %w", tier, err)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.openPoolLocked(tier); ok {
		return model.Pool{}, fmt.Errorf("create pool %s: open pool already exists", tier)
	}
	t.s.nextPool++
	p := &model.Pool{
		ID:        t.s.nextPool,
		Tier:      tier,
		Status:    model.PoolOpen,
		CreatedAt: time.Now().UTC(),
	}
	t.newPools[p.ID] = p
	return *p, nil
}
