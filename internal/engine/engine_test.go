package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"potline/internal/chain"
	"potline/internal/model"
	"potline/internal/storage/memory"
)

type recordTrigger struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordTrigger) Trigger(poolID int64) {
	r.mu.Lock()
	r.ids = append(r.ids, poolID)
	r.mu.Unlock()
}

func (r *recordTrigger) count(poolID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.ids {
		if id == poolID {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *memory.Store
	ledger  *chain.MemoryLedger
	engine  *Engine
	trigger *recordTrigger
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig(size int) Config {
	return Config{
		Tiers: []model.Tier{
			{Name: "low", Price: dec("0.05")},
			{Name: "mid", Price: dec("0.1")},
			{Name: "high", Price: dec("0.5")},
		},
		PoolSize:        size,
		CustodyWallet:   "custody",
		HouseWallet:     "house",
		DevWallet:       "dev",
		LedgerTimeout:   time.Second,
		PoolWaitRetries: 0,
		PoolWaitBackoff: time.Millisecond,
	}
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		ledger:  chain.NewMemoryLedger(),
		trigger: &recordTrigger{},
	}
	opts = append([]Option{WithTrigger(f.trigger), WithPicker(rand.New(rand.NewPCG(1, 2)))}, opts...)
	e, err := New(cfg, f.store, f.ledger, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.EnsurePools(context.Background()); err != nil {
		t.Fatalf("ensure pools: %v", err)
	}
	f.engine = e
	return f
}

func (f *fixture) addUser(t *testing.T, id int64, referrer *int64, funds string) string {
	t.Helper()
	wallet := fmt.Sprintf("wallet-%d", id)
	if err := f.store.UpsertUser(context.Background(), model.User{ID: id, WalletAddress: wallet, ReferredBy: referrer}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if funds != "" {
		f.ledger.Fund(wallet, dec(funds))
	}
	return wallet
}

func (f *fixture) balance(t *testing.T, wallet string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), wallet)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (f *fixture) openPool(t *testing.T, tier string) model.PoolSummary {
	t.Helper()
	sums, err := f.store.PoolSummaries(context.Background(), []string{tier})
	if err != nil {
		t.Fatalf("pool summaries: %v", err)
	}
	if len(sums) != 1 || !sums[0].HasPool {
		t.Fatalf("expected one open %s pool, got %+v", tier, sums)
	}
	return sums[0]
}

// fill buys size single tickets from fresh users starting at firstUser.
func (f *fixture) fill(t *testing.T, tier string, n int, firstUser int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := firstUser + int64(i)
		f.addUser(t, id, nil, "10")
		if _, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: id, Tier: tier, Quantity: 1}); err != nil {
			t.Fatalf("buy %d: %v", id, err)
		}
	}
}

func TestBuyAdmitsTickets(t *testing.T) {
	f := newFixture(t, testConfig(20))
	wallet := f.addUser(t, 1, nil, "1")

	res, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 3})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.Success || res.TicketsBought != 3 || *res.SpotsRemaining != 17 || !res.Pot.Equal(dec("0.3")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RequestID == "" {
		t.Fatalf("request id not assigned")
	}
	if got := f.balance(t, wallet); !got.Equal(dec("0.7")) {
		t.Fatalf("user balance: got %s", got)
	}
	if got := f.balance(t, "custody"); !got.Equal(dec("0.3")) {
		t.Fatalf("custody balance: got %s", got)
	}

	tickets, err := f.store.Tickets(context.Background(), res.PoolID)
	if err != nil {
		t.Fatalf("tickets: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(tickets))
	}
	for _, tk := range tickets {
		if tk.Status != model.TicketNotDrawn || !tk.Value.Equal(dec("0.1")) || !tk.PrizeAmount.IsZero() {
			t.Fatalf("unexpected ticket: %+v", tk)
		}
	}
}

func TestBuyThrottledWithinCooldown(t *testing.T) {
	cfg := testConfig(20)
	cfg.Cooldown = 6 * time.Second
	now := time.Unix(1700000000, 0)
	f := newFixture(t, cfg, WithClock(func() time.Time { return now }))
	f.addUser(t, 1, nil, "5")

	req := model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 3}
	if _, err := f.engine.Buy(context.Background(), req); err != nil {
		t.Fatalf("first buy: %v", err)
	}

	now = now.Add(2 * time.Second)
	res, err := f.engine.Buy(context.Background(), req)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected throttled, got %v", err)
	}
	if res.Success || res.ErrorKind != string(KindThrottled) || res.RetryAfter != 4*time.Second {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.openPool(t, "mid").Tickets; got != 3 {
		t.Fatalf("throttled attempt wrote tickets: %d", got)
	}

	// Another tier is a separate key.
	if _, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: 1, Tier: "low", Quantity: 1}); err != nil {
		t.Fatalf("other tier: %v", err)
	}

	now = now.Add(5 * time.Second)
	if _, err := f.engine.Buy(context.Background(), req); err != nil {
		t.Fatalf("buy after cooldown: %v", err)
	}
}

func TestBuyCapacityExceeded(t *testing.T) {
	f := newFixture(t, testConfig(5))
	f.fill(t, "mid", 3, 100)
	wallet := f.addUser(t, 1, nil, "1")

	res, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 3})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if res.Remaining == nil || *res.Remaining != 2 {
		t.Fatalf("unexpected remaining: %+v", res)
	}
	if got := f.openPool(t, "mid").Tickets; got != 3 {
		t.Fatalf("tickets written: %d", got)
	}
	if got := f.balance(t, wallet); !got.Equal(dec("1")) {
		t.Fatalf("user charged: %s", got)
	}
}

func TestBuyInsufficientFunds(t *testing.T) {
	f := newFixture(t, testConfig(20))
	f.addUser(t, 1, nil, "0.25")

	res, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 3})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if !res.Balance.Equal(dec("0.25")) || !res.Required.Equal(dec("0.3")) {
		t.Fatalf("unexpected detail: %+v", res)
	}
	if got := f.openPool(t, "mid").Tickets; got != 0 {
		t.Fatalf("tickets written: %d", got)
	}
}

func TestBuyTransferFailureWritesNothing(t *testing.T) {
	f := newFixture(t, testConfig(20))
	f.addUser(t, 1, nil, "1")
	f.ledger.FailTransfers(errors.New("rpc timeout"))

	res, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 1})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failed, got %v", err)
	}
	if res.ErrorKind != string(KindTransferFailed) {
		t.Fatalf("unexpected kind: %q", res.ErrorKind)
	}
	if got := f.openPool(t, "mid").Tickets; got != 0 {
		t.Fatalf("tickets written: %d", got)
	}
}

func TestBuyRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, testConfig(20))
	f.addUser(t, 1, nil, "1")
	if err := f.store.UpsertUser(context.Background(), model.User{ID: 2}); err != nil {
		t.Fatalf("add user: %v", err)
	}

	cases := []struct {
		req  model.PurchaseRequest
		want error
	}{
		{model.PurchaseRequest{UserID: 1, Tier: "gold", Quantity: 1}, ErrInvalidRequest},
		{model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 0}, ErrInvalidRequest},
		{model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 21}, ErrInvalidRequest},
		{model.PurchaseRequest{UserID: 99, Tier: "mid", Quantity: 1}, ErrInvalidRequest},
		{model.PurchaseRequest{UserID: 2, Tier: "mid", Quantity: 1}, ErrWalletMissing},
	}
	for _, tc := range cases {
		if _, err := f.engine.Buy(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%+v: expected %v, got %v", tc.req, tc.want, err)
		}
	}
}

func TestFillTriggersSettlementOnce(t *testing.T) {
	f := newFixture(t, testConfig(4))
	f.fill(t, "low", 4, 100)

	pool := f.openPool(t, "low")
	if pool.Tickets != 4 {
		t.Fatalf("expected full pool, got %d", pool.Tickets)
	}
	if got := f.trigger.count(pool.PoolID); got != 1 {
		t.Fatalf("expected one trigger, got %d", got)
	}
}

func TestConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	f := newFixture(t, testConfig(20))
	const buyers = 40
	for i := int64(1); i <= buyers; i++ {
		f.addUser(t, i, nil, "1")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := int64(1); i <= buyers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: id, Tier: "mid", Quantity: 1})
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrNoOpenPool) {
				t.Errorf("buyer %d: unexpected error %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	pool := f.openPool(t, "mid")
	if admitted != 20 || pool.Tickets != 20 {
		t.Fatalf("admitted %d, pool holds %d", admitted, pool.Tickets)
	}
	if got := f.balance(t, "custody"); !got.Equal(dec("2")) {
		t.Fatalf("custody: got %s", got)
	}
}

func TestLastSpotRaceLandsInSuccessorPool(t *testing.T) {
	cfg := testConfig(20)
	cfg.PoolWaitRetries = 10
	cfg.PoolWaitBackoff = 5 * time.Millisecond
	f := newFixture(t, cfg)
	f.fill(t, "mid", 19, 100)
	first := f.openPool(t, "mid").PoolID

	// Settlement runs in the background as it would in production.
	f.engine.trigger = goTrigger{e: f.engine}

	f.addUser(t, 1, nil, "1")
	f.addUser(t, 2, nil, "1")
	results := make([]model.AdmissionResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: int64(i + 1), Tier: "mid", Quantity: 1})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("buyer %d: %v", i+1, err)
		}
	}
	var inFirst, inNext int
	for _, res := range results {
		switch {
		case res.PoolID == first && *res.SpotsRemaining == 0:
			inFirst++
		case res.PoolID != first && *res.SpotsRemaining == 19:
			inNext++
		default:
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	if inFirst != 1 || inNext != 1 {
		t.Fatalf("expected one buyer per pool, got %d and %d", inFirst, inNext)
	}

	closed, err := f.store.Pool(context.Background(), first)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if closed.Status != model.PoolClosed {
		t.Fatalf("first pool not closed: %s", closed.Status)
	}
}

func TestSettleExactlyOnceUnderConcurrentTriggers(t *testing.T) {
	f := newFixture(t, testConfig(10))
	f.fill(t, "high", 10, 100)
	poolID := f.openPool(t, "high").PoolID

	const runs = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.engine.Settle(context.Background(), poolID)
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if ok {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Fatalf("expected one settlement, got %d", settled)
	}
	if got := len(f.ledger.Batches()); got != 1 {
		t.Fatalf("expected one payout batch, got %d", got)
	}
	next := f.openPool(t, "high")
	if next.PoolID == poolID || next.Tickets != 0 {
		t.Fatalf("expected fresh successor pool, got %+v", next)
	}
}

func TestSettleDrawsEveryTicketAndBalancesPot(t *testing.T) {
	f := newFixture(t, testConfig(20))
	referrer := int64(500)
	refWallet := f.addUser(t, referrer, nil, "")
	for i := int64(1); i <= 20; i++ {
		var ref *int64
		if i <= 4 {
			ref = &referrer
		}
		f.addUser(t, i, ref, "1")
		if _, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: i, Tier: "mid", Quantity: 1}); err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}
	poolID := f.openPool(t, "mid").PoolID

	res, ok, err := f.engine.Settle(context.Background(), poolID)
	if err != nil || !ok {
		t.Fatalf("settle: ok=%v err=%v", ok, err)
	}
	if !res.Pot.Equal(dec("2")) {
		t.Fatalf("pot: got %s", res.Pot)
	}
	if len(res.Winners) != 3 || len(res.Losers) != 17 {
		t.Fatalf("winners %d losers %d", len(res.Winners), len(res.Losers))
	}

	total := res.HouseFee.Add(res.DevFee).Add(res.Referrals).Add(res.Unallocated)
	for _, w := range res.Winners {
		total = total.Add(w.Prize)
	}
	if !total.Equal(res.Pot) {
		t.Fatalf("payout %s does not match pot %s", total, res.Pot)
	}
	if !res.Referrals.Equal(dec("0.012")) || !res.HouseFee.Equal(dec("0.148")) || !res.DevFee.Equal(dec("0.04")) {
		t.Fatalf("fees: house %s dev %s referrals %s", res.HouseFee, res.DevFee, res.Referrals)
	}
	if got := f.balance(t, refWallet); !got.Equal(dec("0.012")) {
		t.Fatalf("referrer paid %s", got)
	}

	tickets, err := f.store.Tickets(context.Background(), poolID)
	if err != nil {
		t.Fatalf("tickets: %v", err)
	}
	won, lost := 0, 0
	prizes := decimal.Zero
	for _, tk := range tickets {
		switch tk.Status {
		case model.TicketWon:
			won++
			prizes = prizes.Add(tk.PrizeAmount)
		case model.TicketLost:
			lost++
			if !tk.PrizeAmount.IsZero() {
				t.Fatalf("lost ticket with prize: %+v", tk)
			}
		default:
			t.Fatalf("ticket left undrawn: %+v", tk)
		}
	}
	if won != 3 || lost != 17 || !prizes.Equal(dec("1.8")) {
		t.Fatalf("won %d lost %d prizes %s", won, lost, prizes)
	}

	pool, err := f.store.Pool(context.Background(), poolID)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Status != model.PoolClosed || pool.PayoutTx != res.TxID || pool.WinnerTickets[0] == nil || !pool.TotalPot.Equal(dec("2")) {
		t.Fatalf("pool not closed correctly: %+v", pool)
	}
	if next := f.openPool(t, "mid"); next.PoolID != res.NextPoolID || next.Tickets != 0 {
		t.Fatalf("successor: %+v, result next %d", next, res.NextPoolID)
	}
	if got := f.balance(t, "custody"); !got.IsZero() {
		t.Fatalf("custody keeps %s", got)
	}
}

func TestPayoutFailureLeavesPoolOpen(t *testing.T) {
	f := newFixture(t, testConfig(2))
	r := int64(9)
	rWallet := f.addUser(t, r, nil, "")
	f.addUser(t, 1, &r, "1")
	f.addUser(t, 2, nil, "1")
	for _, id := range []int64{1, 2} {
		if _, err := f.engine.Buy(context.Background(), model.PurchaseRequest{UserID: id, Tier: "low", Quantity: 1}); err != nil {
			t.Fatalf("buy %d: %v", id, err)
		}
	}
	poolID := f.openPool(t, "low").PoolID
	custodyBefore := f.balance(t, "custody")

	f.ledger.FailBatches(errors.New("node unreachable"))
	_, ok, err := f.engine.Settle(context.Background(), poolID)
	if !errors.Is(err, ErrPayoutBatchFailed) || ok {
		t.Fatalf("expected payout failure, got ok=%v err=%v", ok, err)
	}

	pool, err := f.store.Pool(context.Background(), poolID)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Status != model.PoolOpen {
		t.Fatalf("pool closed after failed payout")
	}
	tickets, _ := f.store.Tickets(context.Background(), poolID)
	for _, tk := range tickets {
		if tk.Status != model.TicketNotDrawn {
			t.Fatalf("ticket drawn after failed payout: %+v", tk)
		}
	}
	if got := f.balance(t, "custody"); !got.Equal(custodyBefore) {
		t.Fatalf("custody moved: %s", got)
	}
	if got := f.balance(t, rWallet); !got.IsZero() {
		t.Fatalf("referrer paid: %s", got)
	}
	stats, err := f.store.UserStats(context.Background(), 1)
	if err != nil || stats.Wins != 0 {
		t.Fatalf("wins recorded after failed payout: %+v %v", stats, err)
	}

	f.ledger.FailBatches(nil)
	n, err := NewReconciler(f.engine, time.Second).Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if got := f.trigger.count(poolID); got < 2 {
		t.Fatalf("sweep did not re-trigger pool")
	}
	res, ok, err := f.engine.Settle(context.Background(), poolID)
	if err != nil || !ok {
		t.Fatalf("re-drive: ok=%v err=%v", ok, err)
	}
	// Two winners only: the third place share stays unallocated.
	if len(res.Winners) != 2 || !res.Unallocated.Equal(dec("0.01")) {
		t.Fatalf("unexpected small pool result: %+v", res)
	}
}

func TestSettleAbortsOnPartialPool(t *testing.T) {
	f := newFixture(t, testConfig(5))
	f.fill(t, "mid", 2, 100)
	poolID := f.openPool(t, "mid").PoolID

	_, ok, err := f.engine.Settle(context.Background(), poolID)
	if !errors.Is(err, ErrSettlementAborted) || ok {
		t.Fatalf("expected abort, got ok=%v err=%v", ok, err)
	}
	if f.openPool(t, "mid").PoolID != poolID {
		t.Fatalf("partial pool replaced")
	}
}

func TestSettleUnknownPool(t *testing.T) {
	f := newFixture(t, testConfig(5))
	if _, _, err := f.engine.Settle(context.Background(), 404); err == nil {
		t.Fatalf("expected error for unknown pool")
	}
}

func TestResetReopensOnePoolPerTier(t *testing.T) {
	f := newFixture(t, testConfig(5))
	f.fill(t, "mid", 2, 100)

	if err := f.engine.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	for _, tier := range f.engine.Tiers() {
		if got := f.openPool(t, tier).Tickets; got != 0 {
			t.Fatalf("%s pool holds %d tickets after reset", tier, got)
		}
	}
}
