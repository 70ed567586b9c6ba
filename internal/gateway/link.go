package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected   = errors.New("gateway link not connected")
	ErrAlreadyRunning = errors.New("gateway link already running")
	ErrNotRunning     = errors.New("gateway link not running")
)

// Handler receives typed events in the order they arrive on the wire. All
// callbacks run on the link's single read goroutine, so a handler never sees
// two events concurrently.
type Handler interface {
	OnAccount(ctx context.Context, e AccountEvent)
	OnExecution(ctx context.Context, e ExecutionEvent)
	OnCommission(ctx context.Context, e CommissionEvent)
	OnPosition(ctx context.Context, e PositionEvent)
	OnPositionPnL(ctx context.Context, e PositionPnLEvent)
	OnAccountPnL(ctx context.Context, e AccountPnLEvent)
	OnAccountSummary(ctx context.Context, e AccountSummaryEvent)
	OnOrderStatus(ctx context.Context, e OrderStatusEvent)
	OnStatus(ctx context.Context, e StatusEvent)
	OnLinkUp(ctx context.Context)
	OnLinkDown(ctx context.Context, err error)
}

// ContractProvider returns the contract IDs whose per-position PnL streams
// should be re-established after a reconnect.
type ContractProvider func(ctx context.Context) []int64

// RawSink receives every inbound frame for auditing, best effort.
type RawSink func(ctx context.Context, eventType string, raw []byte)

type LinkOptions struct {
	URL               string
	Account           string
	ClientID          int
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Dialer            Dialer
	Handler           Handler
	Contracts         ContractProvider
	RawSink           RawSink
	Logger            *zap.Logger
}

// Link maintains one connection to the gateway, reconnecting with capped
// exponential backoff and re-issuing the standing subscriptions on every
// connect.
type Link struct {
	opts LinkOptions

	mu      sync.Mutex
	sess    *session
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewLink(opts LinkOptions) *Link {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = DialWebsocket
	}
	return &Link{opts: opts}
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess != nil
}

func (l *Link) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start launches the reconnect loop in the background. It fails if the loop
// is already running.
func (l *Link) Start(parent context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.running = true
	l.cancel = cancel
	l.done = done
	go func() {
		defer close(done)
		_ = l.Run(ctx)
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()
	return nil
}

// Stop cancels the loop and waits for it to wind down.
func (l *Link) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return ErrNotRunning
	}
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Run drives the connect/consume/reconnect loop until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("link is nil")
	}
	backoff := l.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dialCtx, cancelDial := context.WithTimeout(ctx, l.opts.DialTimeout)
		conn, err := l.opts.Dialer(dialCtx, l.opts.URL)
		cancelDial()
		if err != nil {
			if l.opts.Logger != nil {
				l.opts.Logger.Warn("gateway connect failed", zap.Error(err))
			}
			l.opts.Handler.OnLinkDown(ctx, err)
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, l.opts.BackoffMax)
			continue
		}

		sess := &session{conn: conn, account: l.opts.Account, clientID: l.opts.ClientID}
		if err := l.bootstrap(ctx, sess); err != nil {
			if l.opts.Logger != nil {
				l.opts.Logger.Warn("gateway bootstrap failed", zap.Error(err))
			}
			_ = conn.Close(websocket.StatusInternalError, "bootstrap failed")
			l.opts.Handler.OnLinkDown(ctx, err)
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, l.opts.BackoffMax)
			continue
		}

		l.mu.Lock()
		l.sess = sess
		l.mu.Unlock()
		if l.opts.Logger != nil {
			l.opts.Logger.Info("gateway connected", zap.String("url", l.opts.URL))
		}
		l.opts.Handler.OnLinkUp(ctx)
		backoff = l.opts.BackoffMin

		err = l.consume(ctx, sess)
		l.mu.Lock()
		l.sess = nil
		l.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		l.opts.Handler.OnLinkDown(ctx, err)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if l.opts.Logger != nil {
			l.opts.Logger.Warn("gateway disconnected", zap.Error(err))
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, l.opts.BackoffMax)
	}
}

// bootstrap identifies the client and re-issues the standing requests: the
// position snapshot, the execution backfill, the account PnL stream and the
// account summary stream, plus one PnL stream per live position.
func (l *Link) bootstrap(ctx context.Context, sess *session) error {
	if err := sess.hello(ctx); err != nil {
		return err
	}
	if err := sess.requestPositions(ctx); err != nil {
		return err
	}
	if err := sess.requestExecutions(ctx); err != nil {
		return err
	}
	if err := sess.subscribeAccountPnL(ctx); err != nil {
		return err
	}
	if err := sess.subscribeAccountSummary(ctx, SummaryTags); err != nil {
		return err
	}
	if l.opts.Contracts != nil {
		for _, id := range l.opts.Contracts(ctx) {
			if err := sess.subscribePositionPnL(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Link) consume(ctx context.Context, sess *session) error {
	keepaliveErr := make(chan error, 1)
	keepaliveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(l.opts.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveCtx.Done():
				keepaliveErr <- keepaliveCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(keepaliveCtx, l.opts.PingTimeout)
				err := sess.conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					keepaliveErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-keepaliveErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("keepalive: %w", err)
			}
			return nil
		default:
		}
		raw, err := sess.conn.Read(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, raw)
	}
}

func (l *Link) dispatch(ctx context.Context, raw []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if l.opts.Logger != nil {
			l.opts.Logger.Warn("gateway frame not json", zap.Error(err))
		}
		return
	}
	if l.opts.RawSink != nil && env.Type != EventTypePong {
		l.opts.RawSink(ctx, env.Type, raw)
	}
	h := l.opts.Handler
	switch env.Type {
	case EventTypeAccount:
		var e AccountEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnAccount(ctx, e)
		}
	case EventTypeExecution:
		var e ExecutionEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnExecution(ctx, e)
		}
	case EventTypeCommission:
		var e CommissionEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnCommission(ctx, e)
		}
	case EventTypePosition:
		var e PositionEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnPosition(ctx, e)
		}
	case EventTypePositionPnL:
		var e PositionPnLEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnPositionPnL(ctx, e)
		}
	case EventTypeAccountPnL:
		var e AccountPnLEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnAccountPnL(ctx, e)
		}
	case EventTypeAccountSummary:
		var e AccountSummaryEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnAccountSummary(ctx, e)
		}
	case EventTypeOrderStatus:
		var e OrderStatusEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnOrderStatus(ctx, e)
		}
	case EventTypeStatus:
		var e StatusEvent
		if unmarshalEvent(l.opts.Logger, env.Type, raw, &e) {
			h.OnStatus(ctx, e)
		}
	case EventTypePong:
	default:
		if l.opts.Logger != nil {
			l.opts.Logger.Debug("gateway event dropped", zap.String("type", env.Type))
		}
	}
}

func unmarshalEvent(logger *zap.Logger, eventType string, raw []byte, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		if logger != nil {
			logger.Warn("gateway event malformed", zap.String("type", eventType), zap.Error(err))
		}
		return false
	}
	return true
}

func (l *Link) current() *session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess
}

func (l *Link) SubscribePositionPnL(ctx context.Context, contractID int64) error {
	sess := l.current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.subscribePositionPnL(ctx, contractID)
}

func (l *Link) UnsubscribePositionPnL(ctx context.Context, contractID int64) error {
	sess := l.current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.unsubscribePositionPnL(ctx, contractID)
}

// PlaceOrder writes the order on the live session. Callers own retries; the
// link only reports whether the write went out.
func (l *Link) PlaceOrder(ctx context.Context, req OrderRequest) error {
	sess := l.current()
	if sess == nil {
		return ErrNotConnected
	}
	if req.Account == "" {
		req.Account = l.opts.Account
	}
	return sess.placeOrder(ctx, req)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
