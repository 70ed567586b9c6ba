package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"nhooyr.io/websocket"
)

// Conn is the transport the link drives. The production implementation wraps
// a websocket connection; tests substitute an in-memory one.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Conn against the gateway URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

type wsConn struct {
	conn *websocket.Conn
}

func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Execution backfills after a reconnect can be large.
	conn.SetReadLimit(2 << 20) // 2MB
	return &wsConn{conn: conn}, nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// session issues typed requests over an established Conn.
type session struct {
	conn     Conn
	account  string
	clientID int
}

func (s *session) send(ctx context.Context, msg any) error {
	if s == nil || s.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, payload)
}

func (s *session) hello(ctx context.Context) error {
	return s.send(ctx, map[string]any{
		"type":      "hello",
		"account":   s.account,
		"client_id": s.clientID,
	})
}

func (s *session) requestPositions(ctx context.Context) error {
	return s.send(ctx, map[string]any{"type": "req_positions", "account": s.account})
}

func (s *session) requestExecutions(ctx context.Context) error {
	return s.send(ctx, map[string]any{"type": "req_executions", "account": s.account})
}

func (s *session) subscribeAccountPnL(ctx context.Context) error {
	return s.send(ctx, map[string]any{"type": "sub_account_pnl", "account": s.account})
}

func (s *session) subscribeAccountSummary(ctx context.Context, tags []string) error {
	return s.send(ctx, map[string]any{"type": "sub_account_summary", "account": s.account, "tags": tags})
}

func (s *session) subscribePositionPnL(ctx context.Context, contractID int64) error {
	return s.send(ctx, map[string]any{"type": "sub_position_pnl", "account": s.account, "contract_id": contractID})
}

func (s *session) unsubscribePositionPnL(ctx context.Context, contractID int64) error {
	return s.send(ctx, map[string]any{"type": "unsub_position_pnl", "account": s.account, "contract_id": contractID})
}

func (s *session) placeOrder(ctx context.Context, req OrderRequest) error {
	return s.send(ctx, struct {
		Type string `json:"type"`
		OrderRequest
	}{Type: "place_order", OrderRequest: req})
}

// SummaryTags are the account summary fields requested on every connect.
var SummaryTags = []string{
	"NetLiquidation",
	"TotalCashValue",
	"AvailableFunds",
	"ExcessLiquidity",
	"InitMarginReq",
	"MaintMarginReq",
	"GrossPositionValue",
	"ShortMarketValue",
}
