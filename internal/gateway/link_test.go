package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"
)

func decTest(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection reset")
	case data := <-c.in:
		return data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, payload)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentTypes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, raw := range c.writes {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err == nil {
			out[env.Type]++
		}
	}
	return out
}

type recordingHandler struct {
	mu         sync.Mutex
	ups        int
	downs      int
	executions []ExecutionEvent
	statuses   []StatusEvent
	upCh       chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{upCh: make(chan struct{}, 8)}
}

func (h *recordingHandler) OnAccount(ctx context.Context, e AccountEvent)               {}
func (h *recordingHandler) OnCommission(ctx context.Context, e CommissionEvent)         {}
func (h *recordingHandler) OnPosition(ctx context.Context, e PositionEvent)             {}
func (h *recordingHandler) OnPositionPnL(ctx context.Context, e PositionPnLEvent)       {}
func (h *recordingHandler) OnAccountPnL(ctx context.Context, e AccountPnLEvent)         {}
func (h *recordingHandler) OnAccountSummary(ctx context.Context, e AccountSummaryEvent) {}
func (h *recordingHandler) OnOrderStatus(ctx context.Context, e OrderStatusEvent)       {}

func (h *recordingHandler) OnExecution(ctx context.Context, e ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executions = append(h.executions, e)
}

func (h *recordingHandler) OnStatus(ctx context.Context, e StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, e)
}

func (h *recordingHandler) OnLinkUp(ctx context.Context) {
	h.mu.Lock()
	h.ups++
	h.mu.Unlock()
	select {
	case h.upCh <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnLinkDown(ctx context.Context, err error) {
	h.mu.Lock()
	h.downs++
	h.mu.Unlock()
}

func waitUp(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.upCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not come up")
	}
}

func TestLinkBootstrapIssuesStandingRequestsOnce(t *testing.T) {
	conn := newFakeConn()
	handler := newRecordingHandler()
	link := NewLink(LinkOptions{
		URL:     "ws://gateway",
		Account: "DU100",
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		},
		Handler:    handler,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 10 * time.Millisecond,
		Contracts: func(ctx context.Context) []int64 {
			return []int64{265598, 272093}
		},
	})
	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer link.Stop()
	waitUp(t, handler)

	sent := conn.sentTypes()
	for _, want := range []string{"req_positions", "req_executions", "sub_account_pnl", "sub_account_summary"} {
		if sent[want] != 1 {
			t.Fatalf("%s sent %d times, want exactly 1", want, sent[want])
		}
	}
	if sent["sub_position_pnl"] != 2 {
		t.Fatalf("sub_position_pnl sent %d times, want 2 (one per live position)", sent["sub_position_pnl"])
	}
}

func TestLinkReconnectsAndResubscribes(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn
	handler := newRecordingHandler()
	link := NewLink(LinkOptions{
		URL:     "ws://gateway",
		Account: "DU100",
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			c := newFakeConn()
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			return c, nil
		},
		Handler:    handler,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 10 * time.Millisecond,
	})
	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer link.Stop()
	waitUp(t, handler)

	// Drop the first connection; the link must dial again and re-run the
	// bootstrap sequence on the fresh one.
	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.Close(websocket.StatusAbnormalClosure, "dropped")
	waitUp(t, handler)

	mu.Lock()
	if len(conns) < 2 {
		mu.Unlock()
		t.Fatalf("link did not redial after drop")
	}
	second := conns[1]
	mu.Unlock()

	sent := second.sentTypes()
	for _, want := range []string{"req_positions", "req_executions", "sub_account_pnl", "sub_account_summary"} {
		if sent[want] != 1 {
			t.Fatalf("after reconnect %s sent %d times, want exactly 1", want, sent[want])
		}
	}
}

func TestLinkDispatchesTypedEvents(t *testing.T) {
	conn := newFakeConn()
	handler := newRecordingHandler()
	link := NewLink(LinkOptions{
		URL:     "ws://gateway",
		Account: "DU100",
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		},
		Handler:    handler,
		BackoffMin: 5 * time.Millisecond,
	})
	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer link.Stop()
	waitUp(t, handler)

	conn.in <- []byte(`{"type":"execution","exec_id":"e1","symbol":"AAPL","currency":"USD","side":"BUY","qty":"10","price":"150"}`)
	conn.in <- []byte(`{"type":"status","code":1100,"message":"connectivity lost"}`)
	conn.in <- []byte(`{"type":"mystery","payload":1}`)

	deadline := time.After(2 * time.Second)
	for {
		handler.mu.Lock()
		got := len(handler.executions) == 1 && len(handler.statuses) == 1
		handler.mu.Unlock()
		if got {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events not dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.executions[0].ExecID != "e1" || !handler.executions[0].Quantity.Equal(decTest("10")) {
		t.Fatalf("execution decoded wrong: %+v", handler.executions[0])
	}
	if handler.statuses[0].Code != CodeBrokerSessionDown {
		t.Fatalf("status code = %d, want %d", handler.statuses[0].Code, CodeBrokerSessionDown)
	}
}

func TestPlaceOrderRequiresConnection(t *testing.T) {
	link := NewLink(LinkOptions{
		URL:     "ws://gateway",
		Handler: newRecordingHandler(),
	})
	err := link.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "c1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	conn := newFakeConn()
	handler := newRecordingHandler()
	link := NewLink(LinkOptions{
		URL: "ws://gateway",
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		},
		Handler: handler,
	})
	if err := link.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer link.Stop()
	waitUp(t, handler)

	if err := link.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
}
