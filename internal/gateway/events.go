package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// Broker session status codes forwarded by the gateway. 1100 means the
// gateway lost its upstream broker session; 1101 and 1102 mean it came back
// (without and with server-side state retained, respectively).
const (
	CodeBrokerSessionDown       = 1100
	CodeBrokerSessionUpLost     = 1101
	CodeBrokerSessionUpRetained = 1102
)

// Event type discriminators carried in the wire envelope's "type" field.
const (
	EventTypeAccount        = "account"
	EventTypeExecution      = "execution"
	EventTypeCommission     = "commission"
	EventTypePosition       = "position"
	EventTypePositionPnL    = "position_pnl"
	EventTypeAccountPnL     = "account_pnl"
	EventTypeAccountSummary = "account_summary"
	EventTypeOrderStatus    = "order_status"
	EventTypeStatus         = "status"
	EventTypePong           = "pong"
)

type AccountEvent struct {
	Account      string `json:"account"`
	BaseCurrency string `json:"base_currency"`
}

type ExecutionEvent struct {
	ExecID     string          `json:"exec_id"`
	PermID     string          `json:"perm_id,omitempty"`
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	Currency   string          `json:"currency"`
	Exchange   string          `json:"exchange,omitempty"`
	ContractID int64           `json:"contract_id,omitempty"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

type CommissionEvent struct {
	ExecID      string           `json:"exec_id"`
	Commission  decimal.Decimal  `json:"commission"`
	Currency    string           `json:"currency,omitempty"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
}

type PositionEvent struct {
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	Currency   string          `json:"currency"`
	Exchange   string          `json:"exchange,omitempty"`
	ContractID int64           `json:"contract_id,omitempty"`
	Quantity   decimal.Decimal `json:"qty"`
	AvgCost    decimal.Decimal `json:"avg_cost"`
}

type PositionPnLEvent struct {
	ContractID    int64            `json:"contract_id"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	DailyPnL      *decimal.Decimal `json:"daily_pnl,omitempty"`
}

type AccountPnLEvent struct {
	Account       string           `json:"account"`
	TradeDate     string           `json:"trade_date"`
	DailyPnL      decimal.Decimal  `json:"daily_pnl"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// AccountSummaryEvent carries a single tag update; the gateway streams one
// per tag rather than a full summary document.
type AccountSummaryEvent struct {
	Account  string          `json:"account"`
	Tag      string          `json:"tag"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency,omitempty"`
}

type OrderStatusEvent struct {
	ClientOrderID string           `json:"client_order_id"`
	OrderID       int64            `json:"order_id,omitempty"`
	Status        string           `json:"status"`
	Filled        *decimal.Decimal `json:"filled,omitempty"`
	Remaining     *decimal.Decimal `json:"remaining,omitempty"`
	AvgFillPrice  *decimal.Decimal `json:"avg_fill_price,omitempty"`
}

type StatusEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OrderRequest is the outbound wire form of an order submission.
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Account       string           `json:"account"`
	Symbol        string           `json:"symbol"`
	Currency      string           `json:"currency"`
	Exchange      string           `json:"exchange,omitempty"`
	Side          string           `json:"side"`
	Quantity      decimal.Decimal  `json:"qty"`
	OrderType     string           `json:"order_type"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	TIF           string           `json:"tif,omitempty"`
}
