package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brokersync/internal/models"
	"brokersync/internal/repository"
)

// Key identifies a live position. Exchange is carried as data on the record,
// not as part of the identity.
type Key struct {
	Symbol   string
	Currency string
}

type PositionView struct {
	ID            uint64          `json:"id"`
	Symbol        string          `json:"symbol"`
	Currency      string          `json:"currency"`
	Exchange      string          `json:"exchange,omitempty"`
	ContractID    int64           `json:"contract_id,omitempty"`
	Quantity      decimal.Decimal `json:"qty"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	// NotionalValue is display-only and never persisted.
	NotionalValue decimal.Decimal `json:"notional_value"`
	OpenedAt      time.Time       `json:"open_time"`
}

type HistoryView struct {
	ID          uint64          `json:"id"`
	Symbol      string          `json:"symbol"`
	Currency    string          `json:"currency"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"open_time"`
	ClosedAt    time.Time       `json:"close_time"`
}

type SummaryView struct {
	AccountID          uint64           `json:"account_id"`
	BaseCurrency       string           `json:"base_currency"`
	NetLiquidation     *decimal.Decimal `json:"net_liquidation"`
	TotalCashValue     *decimal.Decimal `json:"total_cash_value"`
	AvailableFunds     *decimal.Decimal `json:"available_funds"`
	ExcessLiquidity    *decimal.Decimal `json:"excess_liquidity"`
	InitMarginReq      *decimal.Decimal `json:"init_margin_req"`
	MaintMarginReq     *decimal.Decimal `json:"maint_margin_req"`
	GrossPositionValue *decimal.Decimal `json:"gross_position_value"`
	ShortMarketValue   *decimal.Decimal `json:"short_market_value"`
	AsOf               time.Time        `json:"as_of"`
}

type PnLSummary struct {
	AccountID     uint64          `json:"account_id"`
	BaseCurrency  string          `json:"base_currency"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	AsOf          time.Time       `json:"as_of"`
}

type DailyPoint struct {
	TradeDate     string          `json:"trade_date"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	CumulativePnL decimal.Decimal `json:"cumulative_pnl"`
}

type ConnectionState struct {
	GatewayConnected       bool       `json:"gateway_connected"`
	BrokerSessionConnected bool       `json:"broker_session_connected"`
	LastError              string     `json:"last_error,omitempty"`
	LastConnectedAt        *time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt     *time.Time `json:"last_disconnected_at,omitempty"`
}

// Store is the authoritative in-memory view. All mutation goes through its
// methods under a single writer lock; reads hand out copies so callers never
// observe a half-applied change.
type Store struct {
	mu          sync.RWMutex
	initialized bool

	accountID    uint64
	baseCurrency string
	lastUpdate   time.Time

	positions  map[Key]models.Position
	byID       map[uint64]Key
	byContract map[int64]Key
	history    map[uint64]models.HistoricalPosition
	histSeq    uint64

	summary    *SummaryView
	dailyPnL   map[string]decimal.Decimal
	tradeDate  string
	realized   decimal.Decimal
	execSeen   map[string]decimal.Decimal
	dirtyPnL   map[uint64]repository.PositionPnLUpdate
	connection ConnectionState
}

func NewStore() *Store {
	return &Store{
		positions:  make(map[Key]models.Position),
		byID:       make(map[uint64]Key),
		byContract: make(map[int64]Key),
		history:    make(map[uint64]models.HistoricalPosition),
		dailyPnL:   make(map[string]decimal.Decimal),
		execSeen:   make(map[string]decimal.Decimal),
		dirtyPnL:   make(map[uint64]repository.PositionPnLUpdate),
	}
}

func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Store) SetAccount(accountID uint64, baseCurrency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountID == 0 {
		s.accountID = accountID
	}
	if s.baseCurrency == "" {
		s.baseCurrency = baseCurrency
	}
}

// Seed loads the durable snapshot into the cache. It runs once at startup
// before any live event is applied; reads prior to completion fall back to
// the store directly.
func (s *Store) Seed(snap *repository.Snapshot, accountID uint64, baseCurrency string) {
	if snap == nil {
		snap = &repository.Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accountID = accountID
	s.baseCurrency = baseCurrency
	s.positions = make(map[Key]models.Position, len(snap.Positions))
	s.byID = make(map[uint64]Key, len(snap.Positions))
	s.byContract = make(map[int64]Key, len(snap.Positions))
	s.history = make(map[uint64]models.HistoricalPosition, len(snap.History))
	s.dailyPnL = make(map[string]decimal.Decimal, len(snap.Daily))
	s.realized = decimal.Zero

	for _, p := range snap.Positions {
		key := Key{Symbol: p.Symbol, Currency: p.Currency}
		s.positions[key] = p
		s.byID[p.ID] = key
		if p.ContractID != 0 {
			s.byContract[p.ContractID] = key
		}
		s.realized = s.realized.Add(p.RealizedPnL)
	}
	for _, h := range snap.History {
		s.history[h.ID] = h
		s.realized = s.realized.Add(h.RealizedPnL)
	}
	if snap.Summary != nil {
		s.summary = summaryView(snap.Summary, baseCurrency)
	}
	for _, d := range snap.Daily {
		s.dailyPnL[d.TradeDate] = d.DailyPnL
		if d.TradeDate > s.tradeDate {
			s.tradeDate = d.TradeDate
		}
	}
	s.initialized = true
	s.lastUpdate = time.Now().UTC()
}

// Position returns the live entry for key, if any.
func (s *Store) Position(key Key) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key]
	return p, ok
}

func (s *Store) PositionByContract(contractID int64) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byContract[contractID]
	if !ok {
		return models.Position{}, false
	}
	p, ok := s.positions[key]
	return p, ok
}

func (s *Store) UpsertPosition(p models.Position) {
	key := Key{Symbol: p.Symbol, Currency: p.Currency}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.positions[key]; ok {
		if p.ID == 0 {
			p.ID = prev.ID
		}
		if p.OpenedAt.IsZero() {
			p.OpenedAt = prev.OpenedAt
		}
		if prev.ContractID != 0 && p.ContractID == 0 {
			p.ContractID = prev.ContractID
		}
		s.realized = s.realized.Sub(prev.RealizedPnL)
	}
	s.positions[key] = p
	if p.ID != 0 {
		s.byID[p.ID] = key
	}
	if p.ContractID != 0 {
		s.byContract[p.ContractID] = key
	}
	s.realized = s.realized.Add(p.RealizedPnL)
	s.touchLocked()
}

// RemovePosition drops a live position from the cache, typically right after
// it was archived to history.
func (s *Store) RemovePosition(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.positions[key]
	if !ok {
		return
	}
	delete(s.positions, key)
	delete(s.byID, prev.ID)
	if prev.ContractID != 0 {
		delete(s.byContract, prev.ContractID)
	}
	delete(s.dirtyPnL, prev.ID)
	// The archived history row carries this realized figure from here on.
	s.realized = s.realized.Sub(prev.RealizedPnL)
	s.touchLocked()
}

// AddHistory records a closed position. Adding the same row ID twice is a
// no-op, which makes replayed close events harmless. A zero ID means the row
// was never persisted (degraded durability); those entries get a synthetic
// map key so consecutive unpersisted closes don't collide, and are never
// treated as replays.
func (s *Store) AddHistory(h models.HistoricalPosition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := h.ID
	if key == 0 {
		s.histSeq++
		key = ^uint64(0) - s.histSeq
	} else if _, ok := s.history[key]; ok {
		return false
	}
	s.history[key] = h
	s.realized = s.realized.Add(h.RealizedPnL)
	s.touchLocked()
	return true
}

func (s *Store) HasHistory(id uint64) bool {
	if id == 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.history[id]
	return ok
}

// RecordExecRealized folds a commission report's realized figure into the
// position keyed by key. Reports are deduplicated per exec id: a replay with
// the same figure contributes zero delta.
func (s *Store) RecordExecRealized(execID string, key Key, realized decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := realized
	if prev, ok := s.execSeen[execID]; ok {
		delta = realized.Sub(prev)
	}
	s.execSeen[execID] = realized
	if delta.IsZero() {
		return decimal.Zero
	}
	s.realized = s.realized.Add(delta)
	if p, ok := s.positions[key]; ok {
		p.RealizedPnL = p.RealizedPnL.Add(delta)
		s.positions[key] = p
	}
	s.touchLocked()
	return delta
}

// UpdatePositionPnL applies a per-position PnL tick to the cache and marks
// the position dirty for the next batched flush. It never touches storage.
func (s *Store) UpdatePositionPnL(contractID int64, unrealized decimal.Decimal, daily *decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byContract[contractID]
	if !ok {
		return false
	}
	p, ok := s.positions[key]
	if !ok {
		return false
	}
	p.UnrealizedPnL = unrealized
	if daily != nil {
		p.DailyPnL = *daily
	}
	s.positions[key] = p
	// A zero ID means the row was never persisted; there is nothing for a
	// batched flush to address, so only the cache value moves.
	if p.ID != 0 {
		s.dirtyPnL[p.ID] = repository.PositionPnLUpdate{
			PositionID: p.ID,
			Unrealized: p.UnrealizedPnL,
			Daily:      p.DailyPnL,
		}
	}
	s.touchLocked()
	return true
}

// CollectDirtyPnL snapshots the dirty set for a batched flush without
// clearing it; ClearDirtyPnL removes only entries that were flushed at their
// current value, so ticks racing the flush survive to the next one.
func (s *Store) CollectDirtyPnL() []repository.PositionPnLUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.dirtyPnL) == 0 {
		return nil
	}
	out := make([]repository.PositionPnLUpdate, 0, len(s.dirtyPnL))
	for _, u := range s.dirtyPnL {
		out = append(out, u)
	}
	return out
}

func (s *Store) ClearDirtyPnL(flushed []repository.PositionPnLUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range flushed {
		cur, ok := s.dirtyPnL[u.PositionID]
		if !ok {
			continue
		}
		if cur.Unrealized.Equal(u.Unrealized) && cur.Daily.Equal(u.Daily) {
			delete(s.dirtyPnL, u.PositionID)
		}
	}
}

// UpdateDailyPnL sets the figure for tradeDate. When the date differs from
// the cache's current date, the prior date's final point is returned exactly
// once so the caller can persist it; subsequent events for the new date see a
// matching current date and return nil.
func (s *Store) UpdateDailyPnL(tradeDate string, value decimal.Decimal) *DailyPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.tradeDate
	s.dailyPnL[tradeDate] = value
	s.tradeDate = tradeDate
	s.touchLocked()
	if previous == "" || previous == tradeDate {
		return nil
	}
	return s.dailyPointLocked(previous)
}

func (s *Store) SetAccountSummary(v SummaryView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.AccountID = s.accountID
	v.BaseCurrency = s.baseCurrency
	copied := v
	s.summary = &copied
	s.touchLocked()
}

func (s *Store) SetGatewayConnected(connected bool, lastError string) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection.GatewayConnected = connected
	s.connection.LastError = lastError
	if connected {
		s.connection.LastConnectedAt = &now
	} else {
		s.connection.LastDisconnectedAt = &now
	}
}

func (s *Store) SetBrokerSession(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection.BrokerSessionConnected = connected
}

func (s *Store) Connection() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connection
}

func (s *Store) Positions() []PositionView {
	s.mu.RLock()
	items := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		items = append(items, p)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	out := make([]PositionView, 0, len(items))
	for _, p := range items {
		out = append(out, positionView(p))
	}
	return out
}

func (s *Store) History() []HistoryView {
	s.mu.RLock()
	items := make([]models.HistoricalPosition, 0, len(s.history))
	for _, h := range s.history {
		items = append(items, h)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ClosedAt.After(items[j].ClosedAt) })
	out := make([]HistoryView, 0, len(items))
	for _, h := range items {
		out = append(out, HistoryView{
			ID:          h.ID,
			Symbol:      h.Symbol,
			Currency:    h.Currency,
			RealizedPnL: h.RealizedPnL,
			OpenedAt:    h.OpenedAt,
			ClosedAt:    h.ClosedAt,
		})
	}
	return out
}

func (s *Store) AccountSummary() SummaryView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.summary == nil {
		return SummaryView{
			AccountID:    s.accountID,
			BaseCurrency: s.baseCurrency,
			AsOf:         time.Now().UTC(),
		}
	}
	return *s.summary
}

func (s *Store) PnLSummary() PnLSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unrealized := decimal.Zero
	for _, p := range s.positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	daily := decimal.Zero
	if s.tradeDate != "" {
		daily = s.dailyPnL[s.tradeDate]
	}
	asOf := s.lastUpdate
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	return PnLSummary{
		AccountID:     s.accountID,
		BaseCurrency:  s.baseCurrency,
		RealizedPnL:   s.realized,
		UnrealizedPnL: unrealized,
		DailyPnL:      daily,
		TotalPnL:      s.realized.Add(unrealized),
		AsOf:          asOf,
	}
}

func (s *Store) DailySeries() []DailyPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dates := make([]string, 0, len(s.dailyPnL))
	for d := range s.dailyPnL {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	cumulative := decimal.Zero
	out := make([]DailyPoint, 0, len(dates))
	for _, d := range dates {
		cumulative = cumulative.Add(s.dailyPnL[d])
		out = append(out, DailyPoint{
			TradeDate:     d,
			DailyPnL:      s.dailyPnL[d],
			CumulativePnL: cumulative,
		})
	}
	return out
}

func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

func (s *Store) touchLocked() {
	s.initialized = true
	s.lastUpdate = time.Now().UTC()
}

func (s *Store) dailyPointLocked(tradeDate string) *DailyPoint {
	value, ok := s.dailyPnL[tradeDate]
	if !ok {
		return nil
	}
	dates := make([]string, 0, len(s.dailyPnL))
	for d := range s.dailyPnL {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	cumulative := decimal.Zero
	for _, d := range dates {
		cumulative = cumulative.Add(s.dailyPnL[d])
		if d == tradeDate {
			break
		}
	}
	return &DailyPoint{TradeDate: tradeDate, DailyPnL: value, CumulativePnL: cumulative}
}

func positionView(p models.Position) PositionView {
	return PositionView{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Currency:      p.Currency,
		Exchange:      p.Exchange,
		ContractID:    p.ContractID,
		Quantity:      p.Quantity,
		AvgCost:       p.AvgCost,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		DailyPnL:      p.DailyPnL,
		TotalPnL:      p.RealizedPnL.Add(p.UnrealizedPnL),
		NotionalValue: p.Quantity.Mul(p.AvgCost),
		OpenedAt:      p.OpenedAt,
	}
}

func summaryView(m *models.AccountSummary, baseCurrency string) *SummaryView {
	return &SummaryView{
		AccountID:          m.AccountID,
		BaseCurrency:       baseCurrency,
		NetLiquidation:     m.NetLiquidation,
		TotalCashValue:     m.TotalCashValue,
		AvailableFunds:     m.AvailableFunds,
		ExcessLiquidity:    m.ExcessLiquidity,
		InitMarginReq:      m.InitMarginReq,
		MaintMarginReq:     m.MaintMarginReq,
		GrossPositionValue: m.GrossPositionValue,
		ShortMarketValue:   m.ShortMarketValue,
		AsOf:               m.AsOf,
	}
}
