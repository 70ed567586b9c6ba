package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"brokersync/internal/cache"
	"brokersync/internal/gateway"
	"brokersync/internal/models"
	"brokersync/internal/persist"
	"brokersync/internal/repository"
)

// Subscriber manages per-position PnL streams on the live link.
type Subscriber interface {
	SubscribePositionPnL(ctx context.Context, contractID int64) error
	UnsubscribePositionPnL(ctx context.Context, contractID int64) error
}

// OrderSink receives order status events for correlation with pending
// submissions.
type OrderSink interface {
	OnOrderStatus(e gateway.OrderStatusEvent)
}

// Ingestor applies gateway events to the cache and schedules the matching
// writes. It runs entirely on the link's read goroutine, so position math
// never races with itself; only cache reads happen concurrently.
type Ingestor struct {
	Link   Subscriber
	Cache  *cache.Store
	Repo   repository.Storage
	Sched  *persist.Scheduler
	Orders OrderSink
	Logger *zap.Logger

	AccountID    uint64
	Account      string
	BaseCurrency string

	execKeys    map[string]cache.Key
	pendingComm map[string]gateway.CommissionEvent
	lastDaily   time.Time
}

func New(link Subscriber, c *cache.Store, repo repository.Storage, sched *persist.Scheduler, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		Link:        link,
		Cache:       c,
		Repo:        repo,
		Sched:       sched,
		Logger:      logger,
		execKeys:    make(map[string]cache.Key),
		pendingComm: make(map[string]gateway.CommissionEvent),
	}
}

func (i *Ingestor) OnLinkUp(ctx context.Context) {
	i.Cache.SetGatewayConnected(true, "")
}

func (i *Ingestor) OnLinkDown(ctx context.Context, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	i.Cache.SetGatewayConnected(false, msg)
}

func (i *Ingestor) OnAccount(ctx context.Context, e gateway.AccountEvent) {
	if e.BaseCurrency != "" && !strings.EqualFold(e.BaseCurrency, i.BaseCurrency) {
		i.Logger.Warn("gateway base currency differs from configured",
			zap.String("gateway", e.BaseCurrency),
			zap.String("configured", i.BaseCurrency))
	}
}

// OnExecution books a fill against the weighted average cost of the live
// position. Opposite-side fills close at the standing average; a fill larger
// than the position closes it entirely and reopens the remainder at the fill
// price.
func (i *Ingestor) OnExecution(ctx context.Context, e gateway.ExecutionEvent) {
	if e.ExecID == "" || e.Quantity.Sign() <= 0 {
		i.Logger.Warn("execution dropped", zap.String("exec_id", e.ExecID))
		return
	}
	if _, seen := i.execKeys[e.ExecID]; seen {
		return
	}
	side := strings.ToUpper(e.Side)
	if side != "BUY" && side != "SELL" {
		i.Logger.Warn("execution with unknown side dropped",
			zap.String("exec_id", e.ExecID), zap.String("side", e.Side))
		return
	}
	signedQty := e.Quantity
	if side == "SELL" {
		signedQty = signedQty.Neg()
	}
	when := e.Time
	if when.IsZero() {
		when = time.Now().UTC()
	}
	key := cache.Key{Symbol: e.Symbol, Currency: e.Currency}
	i.execKeys[e.ExecID] = key

	pos, exists := i.Cache.Position(key)
	realized := decimal.Zero

	switch {
	case !exists || pos.Quantity.IsZero():
		pos = models.Position{
			AccountID:  i.AccountID,
			Symbol:     e.Symbol,
			Currency:   e.Currency,
			Exchange:   e.Exchange,
			ContractID: e.ContractID,
			Quantity:   signedQty,
			AvgCost:    e.Price,
			OpenedAt:   when,
		}
		i.savePosition(ctx, &pos, true)

	case pos.Quantity.Sign() == signedQty.Sign():
		// Same side: blend the average cost by absolute quantity.
		total := pos.Quantity.Add(signedQty)
		pos.AvgCost = pos.Quantity.Abs().Mul(pos.AvgCost).
			Add(signedQty.Abs().Mul(e.Price)).
			Div(total.Abs())
		pos.Quantity = total
		i.savePosition(ctx, &pos, false)

	default:
		direction := decimal.NewFromInt(int64(pos.Quantity.Sign()))
		closeQty := decimal.Min(signedQty.Abs(), pos.Quantity.Abs())
		realized = e.Price.Sub(pos.AvgCost).Mul(closeQty).Mul(direction)
		remaining := pos.Quantity.Add(signedQty)

		i.Cache.RecordExecRealized(e.ExecID, key, realized)
		pos, _ = i.Cache.Position(key)

		switch {
		case remaining.IsZero():
			i.closePosition(ctx, key, pos, when)
		case remaining.Sign() == pos.Quantity.Sign():
			pos.Quantity = remaining
			i.savePosition(ctx, &pos, false)
		default:
			// Flip: close through zero, then reopen the excess at the
			// fill price as a fresh position.
			i.closePosition(ctx, key, pos, when)
			reopened := models.Position{
				AccountID:  i.AccountID,
				Symbol:     e.Symbol,
				Currency:   e.Currency,
				Exchange:   e.Exchange,
				ContractID: e.ContractID,
				Quantity:   remaining,
				AvgCost:    e.Price,
				OpenedAt:   when,
			}
			i.savePosition(ctx, &reopened, true)
		}
	}

	trade := &models.Trade{
		AccountID:         i.AccountID,
		PositionID:        pos.ID,
		Symbol:            e.Symbol,
		Currency:          e.Currency,
		Exchange:          e.Exchange,
		Side:              side,
		Quantity:          e.Quantity,
		Price:             e.Price,
		RealizedPnL:       realized,
		CommissionPending: true,
		ExecID:            e.ExecID,
		TradeTime:         when,
	}
	if e.PermID != "" {
		permID := e.PermID
		trade.PermID = &permID
	}
	_ = i.Sched.Immediate(ctx, "trade", func(ctx context.Context) error {
		return i.Repo.SaveTrade(ctx, trade)
	})

	if parked, ok := i.pendingComm[e.ExecID]; ok {
		delete(i.pendingComm, e.ExecID)
		i.OnCommission(ctx, parked)
	}
}

// OnCommission backfills the broker's commission and authoritative realized
// figure for an execution. A report for an exec not yet seen is parked until
// the execution arrives; replays apply a zero delta.
func (i *Ingestor) OnCommission(ctx context.Context, e gateway.CommissionEvent) {
	key, ok := i.execKeys[e.ExecID]
	if !ok {
		i.pendingComm[e.ExecID] = e
		return
	}
	realized := decimal.Zero
	if e.RealizedPnL != nil {
		realized = *e.RealizedPnL
		delta := i.Cache.RecordExecRealized(e.ExecID, key, realized)
		if !delta.IsZero() {
			if pos, live := i.Cache.Position(key); live && pos.ID != 0 {
				i.savePosition(ctx, &pos, false)
			}
		}
	}
	_ = i.Sched.Immediate(ctx, "commission", func(ctx context.Context) error {
		return i.Repo.UpdateTradeCommission(ctx, e.ExecID, e.Commission, realized)
	})
}

// OnPosition reconciles a broker-reported position against the cache. A zero
// quantity means the broker no longer holds it.
func (i *Ingestor) OnPosition(ctx context.Context, e gateway.PositionEvent) {
	key := cache.Key{Symbol: e.Symbol, Currency: e.Currency}
	pos, exists := i.Cache.Position(key)

	if e.Quantity.IsZero() {
		if exists {
			i.closePosition(ctx, key, pos, time.Now().UTC())
		}
		return
	}
	if !exists {
		pos = models.Position{
			AccountID: i.AccountID,
			Symbol:    e.Symbol,
			Currency:  e.Currency,
			OpenedAt:  time.Now().UTC(),
		}
	}
	pos.Exchange = e.Exchange
	if e.ContractID != 0 {
		pos.ContractID = e.ContractID
	}
	pos.Quantity = e.Quantity
	pos.AvgCost = e.AvgCost
	i.savePosition(ctx, &pos, !exists)
}

func (i *Ingestor) OnPositionPnL(ctx context.Context, e gateway.PositionPnLEvent) {
	if !i.Cache.UpdatePositionPnL(e.ContractID, e.UnrealizedPnL, e.DailyPnL) {
		i.Logger.Debug("pnl tick for unknown contract dropped", zap.Int64("contract_id", e.ContractID))
	}
}

// OnAccountPnL updates the running daily figure. The prior day is finalized
// exactly once when the trade date rolls over; the current day is persisted
// at most once a minute so a restart picks up close to where it left off.
func (i *Ingestor) OnAccountPnL(ctx context.Context, e gateway.AccountPnLEvent) {
	tradeDate := e.TradeDate
	if tradeDate == "" {
		tradeDate = time.Now().UTC().Format("2006-01-02")
	}
	final := i.Cache.UpdateDailyPnL(tradeDate, e.DailyPnL)
	if final != nil {
		i.saveDaily(ctx, *final)
		i.lastDaily = time.Time{}
	}
	if time.Since(i.lastDaily) >= time.Minute {
		i.lastDaily = time.Now()
		series := i.Cache.DailySeries()
		if len(series) > 0 {
			i.saveDaily(ctx, series[len(series)-1])
		}
	}
}

func (i *Ingestor) OnAccountSummary(ctx context.Context, e gateway.AccountSummaryEvent) {
	view := i.Cache.AccountSummary()
	value := e.Value
	switch e.Tag {
	case "NetLiquidation":
		view.NetLiquidation = &value
	case "TotalCashValue":
		view.TotalCashValue = &value
	case "AvailableFunds":
		view.AvailableFunds = &value
	case "ExcessLiquidity":
		view.ExcessLiquidity = &value
	case "InitMarginReq":
		view.InitMarginReq = &value
	case "MaintMarginReq":
		view.MaintMarginReq = &value
	case "GrossPositionValue":
		view.GrossPositionValue = &value
	case "ShortMarketValue":
		view.ShortMarketValue = &value
	default:
		i.Logger.Debug("account summary tag dropped", zap.String("tag", e.Tag))
		return
	}
	view.AsOf = time.Now().UTC()
	i.Cache.SetAccountSummary(view)

	row := &models.AccountSummary{
		AccountID:          i.AccountID,
		NetLiquidation:     view.NetLiquidation,
		TotalCashValue:     view.TotalCashValue,
		AvailableFunds:     view.AvailableFunds,
		ExcessLiquidity:    view.ExcessLiquidity,
		InitMarginReq:      view.InitMarginReq,
		MaintMarginReq:     view.MaintMarginReq,
		GrossPositionValue: view.GrossPositionValue,
		ShortMarketValue:   view.ShortMarketValue,
		AsOf:               view.AsOf,
	}
	_ = i.Sched.Immediate(ctx, "account_summary", func(ctx context.Context) error {
		return i.Repo.SaveAccountSummary(ctx, row)
	})
}

func (i *Ingestor) OnOrderStatus(ctx context.Context, e gateway.OrderStatusEvent) {
	if i.Orders != nil {
		i.Orders.OnOrderStatus(e)
	}
}

func (i *Ingestor) OnStatus(ctx context.Context, e gateway.StatusEvent) {
	switch e.Code {
	case gateway.CodeBrokerSessionDown:
		i.Logger.Warn("broker session lost", zap.String("message", e.Message))
		i.Cache.SetBrokerSession(false)
	case gateway.CodeBrokerSessionUpLost, gateway.CodeBrokerSessionUpRetained:
		i.Logger.Info("broker session restored", zap.Int("code", e.Code))
		i.Cache.SetBrokerSession(true)
	default:
		i.Logger.Info("gateway status", zap.Int("code", e.Code), zap.String("message", e.Message))
	}
}

// Contracts feeds the link's reconnect bootstrap with the contract IDs of
// live positions.
func (i *Ingestor) Contracts(ctx context.Context) []int64 {
	positions := i.Cache.Positions()
	out := make([]int64, 0, len(positions))
	for _, p := range positions {
		if p.ContractID != 0 {
			out = append(out, p.ContractID)
		}
	}
	return out
}

// RecordRaw archives an inbound frame, best effort.
func (i *Ingestor) RecordRaw(ctx context.Context, eventType string, raw []byte) {
	row := &models.RawGatewayEvent{
		EventType:  eventType,
		ReceivedAt: time.Now().UTC(),
		Payload:    datatypes.JSON(raw),
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := i.Repo.InsertRawGatewayEvent(writeCtx, row); err != nil {
		i.Logger.Debug("raw event not archived", zap.String("type", eventType), zap.Error(err))
	}
}

func (i *Ingestor) savePosition(ctx context.Context, pos *models.Position, isNew bool) {
	i.Cache.UpsertPosition(*pos)
	err := i.Sched.Immediate(ctx, "position", func(ctx context.Context) error {
		return i.Repo.UpsertPosition(ctx, pos)
	})
	if err == nil && pos.ID != 0 {
		// Read-back filled the row ID; fold it into the cache entry.
		i.Cache.UpsertPosition(*pos)
	}
	if isNew && pos.ContractID != 0 {
		if err := i.Link.SubscribePositionPnL(ctx, pos.ContractID); err != nil {
			i.Logger.Warn("position pnl subscribe failed",
				zap.Int64("contract_id", pos.ContractID), zap.Error(err))
		}
	}
}

func (i *Ingestor) closePosition(ctx context.Context, key cache.Key, pos models.Position, closedAt time.Time) {
	if pos.ID != 0 && i.Cache.HasHistory(pos.ID) {
		i.Cache.RemovePosition(key)
		return
	}
	hist := models.HistoricalPosition{
		ID:          pos.ID,
		AccountID:   pos.AccountID,
		Symbol:      pos.Symbol,
		Currency:    pos.Currency,
		Exchange:    pos.Exchange,
		Quantity:    pos.Quantity,
		AvgCost:     pos.AvgCost,
		RealizedPnL: pos.RealizedPnL,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    closedAt,
	}
	i.Cache.RemovePosition(key)
	i.Cache.AddHistory(hist)
	_ = i.Sched.Immediate(ctx, "close_position", func(ctx context.Context) error {
		return i.Repo.ClosePosition(ctx, pos.ID, &hist)
	})
	if pos.ContractID != 0 {
		if err := i.Link.UnsubscribePositionPnL(ctx, pos.ContractID); err != nil {
			i.Logger.Debug("position pnl unsubscribe failed",
				zap.Int64("contract_id", pos.ContractID), zap.Error(err))
		}
	}
}

func (i *Ingestor) saveDaily(ctx context.Context, point cache.DailyPoint) {
	row := &models.DailyPnL{
		AccountID:     i.AccountID,
		TradeDate:     point.TradeDate,
		DailyPnL:      point.DailyPnL,
		CumulativePnL: point.CumulativePnL,
	}
	_ = i.Sched.Immediate(ctx, "daily_pnl", func(ctx context.Context) error {
		return i.Repo.SaveDailyPnL(ctx, row)
	})
}
