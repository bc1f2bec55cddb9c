package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"potline/internal/chain"
	"potline/internal/metrics"
	"potline/internal/model"
	"potline/internal/storage"
	"potline/internal/storage/memory"
)

// hookLedger runs callbacks after transfers have gone through.
type hookLedger struct {
	*chain.MemoryLedger
	afterTransfer func()
	afterBatch    func()
}

func (l *hookLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error) {
	id, err := l.MemoryLedger.Transfer(ctx, from, to, amount)
	if err == nil && l.afterTransfer != nil {
		l.afterTransfer()
	}
	return id, err
}

func (l *hookLedger) BatchTransfer(ctx context.Context, from string, transfers []model.Transfer) (string, error) {
	id, err := l.MemoryLedger.BatchTransfer(ctx, from, transfers)
	if err == nil && l.afterBatch != nil {
		l.afterBatch()
	}
	return id, err
}

type failInsertStore struct {
	*memory.Store
}

func (s failInsertStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Tx) error {
		return fn(failInsertTx{tx})
	})
}

type failInsertTx struct {
	storage.Tx
}

func (failInsertTx) InsertTickets(context.Context, []model.Ticket) error {
	return errors.New("disk full")
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) WithTx(context.Context, func(tx storage.Tx) error) error {
	return errors.New("connection reset")
}

func (f *fixture) engineWith(t *testing.T, cfg Config, store storage.Store, ledger Ledger, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithTrigger(f.trigger), WithPicker(rand.New(rand.NewPCG(3, 4)))}, opts...)
	e, err := New(cfg, store, ledger, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestSettleCommitsWhenCancelledAfterPayout(t *testing.T) {
	cfg := testConfig(4)
	f := newFixture(t, cfg)
	f.fill(t, "low", 4, 100)
	poolID := f.openPool(t, "low").PoolID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := &hookLedger{MemoryLedger: f.ledger, afterBatch: cancel}
	e := f.engineWith(t, cfg, f.store, ledger)

	res, ok, err := e.Settle(ctx, poolID)
	if err != nil || !ok {
		t.Fatalf("settle: ok=%v err=%v", ok, err)
	}
	pool, err := f.store.Pool(context.Background(), poolID)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool.Status != model.PoolClosed || pool.PayoutTx != res.TxID {
		t.Fatalf("paid pool not closed: %+v", pool)
	}

	if _, ok, err := e.Settle(context.Background(), poolID); ok || err != nil {
		t.Fatalf("second settle: ok=%v err=%v", ok, err)
	}
	n, err := NewReconciler(e, 0).Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("sweep found %d full pools, err=%v", n, err)
	}
	if got := len(f.ledger.Batches()); got != 1 {
		t.Fatalf("pool paid out %d times", got)
	}
}

func TestSettleWaitingForLockHonoursCancel(t *testing.T) {
	cfg := testConfig(4)
	f := newFixture(t, cfg)
	f.fill(t, "low", 4, 100)
	poolID := f.openPool(t, "low").PoolID

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.store.WithTx(context.Background(), func(tx storage.Tx) error {
			if _, err := tx.LockPool(context.Background(), poolID); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := f.engine.Settle(ctx, poolID)
	close(release)
	<-done
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled lock wait, got ok=%v err=%v", ok, err)
	}
	if got := len(f.ledger.Batches()); got != 0 {
		t.Fatalf("payout sent without the lock: %d", got)
	}
}

func TestBuyCommitsWhenCancelledAfterTransfer(t *testing.T) {
	cfg := testConfig(20)
	f := newFixture(t, cfg)
	wallet := f.addUser(t, 1, nil, "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := &hookLedger{MemoryLedger: f.ledger, afterTransfer: cancel}
	e := f.engineWith(t, cfg, f.store, ledger)

	res, err := e.Buy(ctx, model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 1})
	if err != nil || !res.Success {
		t.Fatalf("buy: %+v %v", res, err)
	}
	if res.TxID == "" {
		t.Fatalf("stake transfer not reported")
	}
	if got := f.openPool(t, "mid").Tickets; got != 1 {
		t.Fatalf("charged buyer holds %d tickets", got)
	}
	if got := f.balance(t, wallet); !got.Equal(dec("0.9")) {
		t.Fatalf("balance: %s", got)
	}
}

func TestBuyCancelledBeforeTransferChargesNothing(t *testing.T) {
	f := newFixture(t, testConfig(20))
	wallet := f.addUser(t, 1, nil, "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.engine.Buy(ctx, model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 1})
	if err == nil || res.Success || res.TxID != "" {
		t.Fatalf("expected failure without transfer: %+v %v", res, err)
	}
	if got := f.balance(t, wallet); !got.Equal(dec("1")) {
		t.Fatalf("charged after cancel: %s", got)
	}
}

func TestBuyReportsTransferWhenTicketsNotRecorded(t *testing.T) {
	cfg := testConfig(20)
	f := newFixture(t, cfg)
	wallet := f.addUser(t, 1, nil, "1")
	e := f.engineWith(t, cfg, failInsertStore{f.store}, f.ledger)

	res, err := e.Buy(context.Background(), model.PurchaseRequest{UserID: 1, Tier: "mid", Quantity: 1})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.TxID == "" || ee.TxID != res.TxID {
		t.Fatalf("transfer id missing: err=%v result=%+v", err, res)
	}
	if res.Success || res.ErrorKind != string(KindUnavailable) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := f.balance(t, wallet); !got.Equal(dec("0.9")) {
		t.Fatalf("balance: %s", got)
	}
	if got := f.openPool(t, "mid").Tickets; got != 0 {
		t.Fatalf("tickets written: %d", got)
	}
}

func TestSettlementInvisibleUntilCommit(t *testing.T) {
	cfg := testConfig(4)
	f := newFixture(t, cfg)
	f.fill(t, "low", 4, 100)
	poolID := f.openPool(t, "low").PoolID

	ctx := context.Background()
	var seen []model.TicketStatus
	var open bool
	ledger := &hookLedger{MemoryLedger: f.ledger}
	ledger.afterBatch = func() {
		tickets, err := f.store.Tickets(ctx, poolID)
		if err != nil {
			t.Errorf("tickets: %v", err)
			return
		}
		for _, tk := range tickets {
			seen = append(seen, tk.Status)
		}
		pool, err := f.store.Pool(ctx, poolID)
		open = err == nil && pool.Status == model.PoolOpen
	}
	e := f.engineWith(t, cfg, f.store, ledger)

	if _, ok, err := e.Settle(ctx, poolID); err != nil || !ok {
		t.Fatalf("settle: ok=%v err=%v", ok, err)
	}
	if len(seen) != 4 || !open {
		t.Fatalf("reader saw %v, pool open %v", seen, open)
	}
	for _, st := range seen {
		if st != model.TicketNotDrawn {
			t.Fatalf("draw visible before commit: %v", seen)
		}
	}
}

func TestSettleFailureBeforeLockLabelsUnknownTier(t *testing.T) {
	cfg := testConfig(4)
	f := newFixture(t, cfg)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := f.engineWith(t, cfg, brokenStore{f.store}, f.ledger, WithMetrics(m))

	if _, ok, err := e.Settle(context.Background(), 1); ok || err == nil {
		t.Fatalf("expected failure, got ok=%v err=%v", ok, err)
	}
	if got := testutil.ToFloat64(m.Settlements.WithLabelValues("unknown", string(KindUnavailable))); got != 1 {
		t.Fatalf("unknown tier counter = %v", got)
	}
	if got := testutil.CollectAndCount(m.Settlements); got != 1 {
		t.Fatalf("expected one settlement series, got %d", got)
	}
}
