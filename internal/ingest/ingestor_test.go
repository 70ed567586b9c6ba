package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"brokersync/internal/cache"
	"brokersync/internal/gateway"
	"brokersync/internal/models"
	"brokersync/internal/persist"
	"brokersync/internal/repository"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type stubStore struct {
	repository.Storage

	mu          sync.Mutex
	nextID      uint64
	posErr      error
	trades      []*models.Trade
	commissions map[string]decimal.Decimal
	closed      []*models.HistoricalPosition
	daily       []*models.DailyPnL
	summaries   int
}

func newStubStore() *stubStore {
	return &stubStore{commissions: make(map[string]decimal.Decimal)}
}

func (s *stubStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

func (s *stubStore) UpdateTradeCommission(ctx context.Context, execID string, commission, realized decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions[execID] = commission
	return nil
}

func (s *stubStore) UpsertPosition(ctx context.Context, item *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.posErr != nil {
		return s.posErr
	}
	if item.ID == 0 {
		s.nextID++
		item.ID = s.nextID
	}
	return nil
}

func (s *stubStore) ClosePosition(ctx context.Context, positionID uint64, hist *models.HistoricalPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, hist)
	return nil
}

func (s *stubStore) SaveDailyPnL(ctx context.Context, item *models.DailyPnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily = append(s.daily, item)
	return nil
}

func (s *stubStore) SaveAccountSummary(ctx context.Context, item *models.AccountSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries++
	return nil
}

type stubLink struct {
	mu     sync.Mutex
	subs   []int64
	unsubs []int64
}

func (l *stubLink) SubscribePositionPnL(ctx context.Context, contractID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, contractID)
	return nil
}

func (l *stubLink) UnsubscribePositionPnL(ctx context.Context, contractID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unsubs = append(l.unsubs, contractID)
	return nil
}

func newIngestor(t *testing.T) (*Ingestor, *stubStore, *stubLink) {
	t.Helper()
	store := newStubStore()
	link := &stubLink{}
	c := cache.NewStore()
	c.Seed(&repository.Snapshot{}, 7, "USD")
	sched := &persist.Scheduler{Repo: store, Cache: c, Logger: zap.NewNop(), Retries: 1}
	ing := New(link, c, store, sched, zap.NewNop())
	ing.AccountID = 7
	ing.Account = "DU100"
	ing.BaseCurrency = "USD"
	return ing, store, link
}

func exec(id, side, symbol, qty, price string, contractID int64) gateway.ExecutionEvent {
	return gateway.ExecutionEvent{
		ExecID:     id,
		Symbol:     symbol,
		Currency:   "USD",
		Exchange:   "SMART",
		ContractID: contractID,
		Side:       side,
		Quantity:   dec(qty),
		Price:      dec(price),
		Time:       time.Now().UTC(),
	}
}

func TestRoundTripRealizesSpread(t *testing.T) {
	ing, store, link := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	pos, ok := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"})
	if !ok || !pos.Quantity.Equal(dec("10")) || !pos.AvgCost.Equal(dec("100")) {
		t.Fatalf("open position wrong: %+v", pos)
	}
	if len(link.subs) != 1 || link.subs[0] != 42 {
		t.Fatalf("pnl stream not subscribed for new position: %v", link.subs)
	}

	ing.OnExecution(ctx, exec("e2", "SELL", "AAPL", "10", "110", 42))
	if _, still := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"}); still {
		t.Fatalf("position survived a full close")
	}
	history := ing.Cache.History()
	if len(history) != 1 || !history[0].RealizedPnL.Equal(dec("100")) {
		t.Fatalf("history = %+v, want one entry with realized 100", history)
	}
	if !ing.Cache.PnLSummary().RealizedPnL.Equal(dec("100")) {
		t.Fatalf("total realized = %s, want 100", ing.Cache.PnLSummary().RealizedPnL)
	}
	if len(store.closed) != 1 {
		t.Fatalf("close not persisted")
	}
	if len(link.unsubs) != 1 || link.unsubs[0] != 42 {
		t.Fatalf("pnl stream not unsubscribed on close: %v", link.unsubs)
	}
	if len(store.trades) != 2 {
		t.Fatalf("trades persisted = %d, want 2", len(store.trades))
	}
}

func TestSameSideFillBlendsAverageCost(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	ing.OnExecution(ctx, exec("e2", "BUY", "AAPL", "10", "120", 42))

	pos, _ := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"})
	if !pos.Quantity.Equal(dec("20")) || !pos.AvgCost.Equal(dec("110")) {
		t.Fatalf("blended position = qty %s avg %s, want 20 at 110", pos.Quantity, pos.AvgCost)
	}

	ing.OnExecution(ctx, exec("e3", "SELL", "AAPL", "5", "120", 42))
	pos, _ = ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"})
	if !pos.Quantity.Equal(dec("15")) || !pos.AvgCost.Equal(dec("110")) {
		t.Fatalf("partial close moved the average: qty %s avg %s", pos.Quantity, pos.AvgCost)
	}
	if !pos.RealizedPnL.Equal(dec("50")) {
		t.Fatalf("partial close realized = %s, want 50", pos.RealizedPnL)
	}
}

func TestOversizedFillFlipsThroughZero(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	ing.OnExecution(ctx, exec("e2", "SELL", "AAPL", "15", "110", 42))

	history := ing.Cache.History()
	if len(history) != 1 || !history[0].RealizedPnL.Equal(dec("100")) {
		t.Fatalf("flip did not archive the closed leg: %+v", history)
	}
	pos, ok := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"})
	if !ok {
		t.Fatalf("flip did not reopen the excess")
	}
	if !pos.Quantity.Equal(dec("-5")) || !pos.AvgCost.Equal(dec("110")) {
		t.Fatalf("reopened leg = qty %s avg %s, want -5 at 110", pos.Quantity, pos.AvgCost)
	}
	if !pos.RealizedPnL.IsZero() {
		t.Fatalf("reopened leg inherited realized %s", pos.RealizedPnL)
	}
}

func TestShortCoverRealizesInverse(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "SELL", "AAPL", "10", "110", 42))
	ing.OnExecution(ctx, exec("e2", "BUY", "AAPL", "10", "100", 42))

	history := ing.Cache.History()
	if len(history) != 1 || !history[0].RealizedPnL.Equal(dec("100")) {
		t.Fatalf("short cover realized = %+v, want 100", history)
	}
}

func TestDuplicateExecutionIgnored(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	e := exec("e1", "BUY", "AAPL", "10", "100", 42)
	ing.OnExecution(ctx, e)
	ing.OnExecution(ctx, e)

	pos, _ := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"})
	if !pos.Quantity.Equal(dec("10")) {
		t.Fatalf("duplicate execution applied twice: qty %s", pos.Quantity)
	}
	if len(store.trades) != 1 {
		t.Fatalf("duplicate trade persisted")
	}
}

func TestCommissionBeforeExecutionParks(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	realized := dec("95")
	ing.OnCommission(ctx, gateway.CommissionEvent{ExecID: "e1", Commission: dec("1"), RealizedPnL: &realized})
	if len(store.commissions) != 0 {
		t.Fatalf("commission applied before its execution arrived")
	}

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	if _, ok := store.commissions["e1"]; !ok {
		t.Fatalf("parked commission not applied after execution")
	}
	pos, _ := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"})
	if !pos.RealizedPnL.Equal(dec("95")) {
		t.Fatalf("position realized = %s, want broker figure 95", pos.RealizedPnL)
	}
}

func TestCommissionReplayAppliesZeroDelta(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	ing.OnExecution(ctx, exec("e2", "SELL", "AAPL", "10", "110", 42))

	// Broker confirms the booked figure; replaying must not double count.
	realized := dec("100")
	total := ing.Cache.PnLSummary().RealizedPnL
	ing.OnCommission(ctx, gateway.CommissionEvent{ExecID: "e2", Commission: dec("1"), RealizedPnL: &realized})
	ing.OnCommission(ctx, gateway.CommissionEvent{ExecID: "e2", Commission: dec("1"), RealizedPnL: &realized})
	if got := ing.Cache.PnLSummary().RealizedPnL; !got.Equal(total) {
		t.Fatalf("replayed commission moved realized from %s to %s", total, got)
	}
}

func TestPositionEventZeroQuantityCloses(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	ing.OnPosition(ctx, gateway.PositionEvent{Symbol: "AAPL", Currency: "USD", Quantity: decimal.Zero})

	if _, still := ing.Cache.Position(cache.Key{Symbol: "AAPL", Currency: "USD"}); still {
		t.Fatalf("position survived broker-reported zero quantity")
	}
	if len(store.closed) != 1 {
		t.Fatalf("close not persisted")
	}

	// A second zero report replays the close without a second archive row.
	ing.OnPosition(ctx, gateway.PositionEvent{Symbol: "AAPL", Currency: "USD", Quantity: decimal.Zero})
	if len(store.closed) != 1 || len(ing.Cache.History()) != 1 {
		t.Fatalf("replayed close archived twice")
	}
}

func TestDegradedPersistenceKeepsEveryClosedPosition(t *testing.T) {
	ing, store, _ := newIngestor(t)
	store.posErr = errors.New("db down")
	ctx := context.Background()

	// With position writes failing, rows never get storage IDs; closing two
	// of them in sequence must still archive both in the cache.
	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	ing.OnExecution(ctx, exec("e2", "SELL", "AAPL", "10", "110", 42))
	ing.OnExecution(ctx, exec("e3", "BUY", "MSFT", "5", "300", 99))
	ing.OnExecution(ctx, exec("e4", "SELL", "MSFT", "5", "320", 99))

	history := ing.Cache.History()
	if len(history) != 2 {
		t.Fatalf("history has %d entries after two closes, want 2", len(history))
	}
	if !ing.Cache.PnLSummary().RealizedPnL.Equal(dec("200")) {
		t.Fatalf("realized = %s, want 200", ing.Cache.PnLSummary().RealizedPnL)
	}
}

func TestAccountPnLRolloverPersistsPriorDayOnce(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnAccountPnL(ctx, gateway.AccountPnLEvent{TradeDate: "2026-08-31", DailyPnL: dec("10")})
	// Within the throttle window, so only the cache sees this value until
	// the rollover finalizes it.
	ing.OnAccountPnL(ctx, gateway.AccountPnLEvent{TradeDate: "2026-08-31", DailyPnL: dec("12")})
	ing.OnAccountPnL(ctx, gateway.AccountPnLEvent{TradeDate: "2026-09-01", DailyPnL: dec("3")})
	ing.OnAccountPnL(ctx, gateway.AccountPnLEvent{TradeDate: "2026-09-01", DailyPnL: dec("4")})

	finalized := 0
	for _, d := range store.daily {
		if d.TradeDate == "2026-08-31" && d.DailyPnL.Equal(dec("12")) {
			finalized++
		}
	}
	if finalized != 1 {
		t.Fatalf("prior day finalized %d times, want exactly 1", finalized)
	}
}

func TestStatusCodesToggleBrokerSession(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnLinkUp(ctx)
	ing.OnStatus(ctx, gateway.StatusEvent{Code: gateway.CodeBrokerSessionDown})
	conn := ing.Cache.Connection()
	if !conn.GatewayConnected || conn.BrokerSessionConnected {
		t.Fatalf("1100 should leave gateway up, broker down: %+v", conn)
	}

	ing.OnStatus(ctx, gateway.StatusEvent{Code: gateway.CodeBrokerSessionUpRetained})
	if !ing.Cache.Connection().BrokerSessionConnected {
		t.Fatalf("1102 should mark broker session up")
	}

	// Unknown codes are logged and dropped.
	ing.OnStatus(ctx, gateway.StatusEvent{Code: 2157})
	if !ing.Cache.Connection().BrokerSessionConnected {
		t.Fatalf("unknown code changed session state")
	}
}

func TestAccountSummaryTagsAccumulate(t *testing.T) {
	ing, store, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnAccountSummary(ctx, gateway.AccountSummaryEvent{Tag: "NetLiquidation", Value: dec("100000")})
	ing.OnAccountSummary(ctx, gateway.AccountSummaryEvent{Tag: "AvailableFunds", Value: dec("40000")})
	ing.OnAccountSummary(ctx, gateway.AccountSummaryEvent{Tag: "Cushion", Value: dec("0.5")})

	view := ing.Cache.AccountSummary()
	if view.NetLiquidation == nil || !view.NetLiquidation.Equal(dec("100000")) {
		t.Fatalf("net liquidation not applied: %+v", view)
	}
	if view.AvailableFunds == nil || !view.AvailableFunds.Equal(dec("40000")) {
		t.Fatalf("available funds not applied: %+v", view)
	}
	if store.summaries != 2 {
		t.Fatalf("persisted %d summary writes, want 2 (unknown tag dropped)", store.summaries)
	}
}

func TestContractsReportsLivePositions(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	ing.OnExecution(ctx, exec("e1", "BUY", "AAPL", "10", "100", 42))
	ing.OnExecution(ctx, exec("e2", "BUY", "MSFT", "5", "300", 99))
	ing.OnExecution(ctx, exec("e3", "SELL", "AAPL", "10", "110", 42))

	ids := ing.Contracts(ctx)
	if len(ids) != 1 || ids[0] != 99 {
		t.Fatalf("contracts = %v, want only the live MSFT position", ids)
	}
}
