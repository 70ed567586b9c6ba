package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"brokersync/internal/gateway"
)

var (
	ErrQueueFull = errors.New("order queue full")
)

const (
	StatusQueued = "queued"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Request is a validated order submission from the API surface.
type Request struct {
	Symbol     string           `json:"symbol"`
	Currency   string           `json:"currency"`
	Exchange   string           `json:"exchange,omitempty"`
	Side       string           `json:"side"`
	Quantity   decimal.Decimal  `json:"qty"`
	OrderType  string           `json:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	TIF        string           `json:"tif,omitempty"`
}

func (r *Request) normalize() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Side = strings.ToUpper(strings.TrimSpace(r.Side))
	r.OrderType = strings.ToUpper(strings.TrimSpace(r.OrderType))
	if r.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	if r.Currency == "" {
		return fmt.Errorf("currency required")
	}
	if r.Side != "BUY" && r.Side != "SELL" {
		return fmt.Errorf("side must be BUY or SELL")
	}
	if r.Quantity.Sign() <= 0 {
		return fmt.Errorf("qty must be positive")
	}
	switch r.OrderType {
	case "MKT":
		if r.LimitPrice != nil {
			return fmt.Errorf("limit_price not allowed for MKT order")
		}
	case "LMT":
		if r.LimitPrice == nil || r.LimitPrice.Sign() <= 0 {
			return fmt.Errorf("limit_price required for LMT order")
		}
	default:
		return fmt.Errorf("order_type must be MKT or LMT")
	}
	return nil
}

// Submission is the tracked lifecycle of an accepted order.
type Submission struct {
	ClientOrderID  string    `json:"client_order_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Request        Request   `json:"request"`
	Status         string    `json:"status"`
	OrderID        int64     `json:"order_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Placer is the slice of the gateway link the worker needs.
type Placer interface {
	PlaceOrder(ctx context.Context, req gateway.OrderRequest) error
	Connected() bool
}

// Gateway accepts order submissions into a bounded queue and drains them
// through a single worker, which only writes while the link is connected.
// Submissions are deduplicated on the caller's idempotency key for the
// retention window.
type Gateway struct {
	Link          Placer
	Logger        *zap.Logger
	Account       string
	Capacity      int
	Retention     time.Duration
	SubmitTimeout time.Duration

	mu    sync.Mutex
	byKey map[string]*Submission
	byCID map[string]*Submission
	queue chan *Submission
}

func NewGateway(link Placer, logger *zap.Logger, account string, capacity int, retention time.Duration) *Gateway {
	if capacity <= 0 {
		capacity = 50
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Gateway{
		Link:      link,
		Logger:    logger,
		Account:   account,
		Capacity:  capacity,
		Retention: retention,
		byKey:     make(map[string]*Submission),
		byCID:     make(map[string]*Submission),
		queue:     make(chan *Submission, capacity),
	}
}

// Submit validates and enqueues an order. A repeat of an idempotency key
// within the retention window returns the original submission without
// placing a second order; a full queue rejects immediately.
func (g *Gateway) Submit(ctx context.Context, idempotencyKey string, req Request) (Submission, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return Submission{}, fmt.Errorf("idempotency key required")
	}
	if err := req.normalize(); err != nil {
		return Submission{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	if existing, ok := g.byKey[idempotencyKey]; ok {
		return *existing, nil
	}

	sub := &Submission{
		ClientOrderID:  uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Request:        req,
		Status:         StatusQueued,
		SubmittedAt:    time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	select {
	case g.queue <- sub:
	default:
		return Submission{}, ErrQueueFull
	}
	g.byKey[idempotencyKey] = sub
	g.byCID[sub.ClientOrderID] = sub
	return *sub, nil
}

// Get returns the submission for an idempotency key, if still retained.
func (g *Gateway) Get(idempotencyKey string) (Submission, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.byKey[idempotencyKey]
	if !ok {
		return Submission{}, false
	}
	return *sub, true
}

func (g *Gateway) List() []Submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Submission, 0, len(g.byKey))
	for _, sub := range g.byKey {
		out = append(out, *sub)
	}
	return out
}

// Run drains the queue. One worker keeps order writes strictly sequential;
// while the link is down it parks and retries the same submission rather
// than dropping it.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-g.queue:
			if err := g.place(ctx, sub); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				g.update(sub, func(s *Submission) {
					s.Status = StatusFailed
					s.Error = err.Error()
				})
				if g.Logger != nil {
					g.Logger.Warn("order placement failed",
						zap.String("client_order_id", sub.ClientOrderID),
						zap.Error(err))
				}
			}
		}
	}
}

func (g *Gateway) place(ctx context.Context, sub *Submission) error {
	for {
		if g.Link.Connected() {
			timeout := g.SubmitTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := g.Link.PlaceOrder(writeCtx, gateway.OrderRequest{
				ClientOrderID: sub.ClientOrderID,
				Account:       g.Account,
				Symbol:        sub.Request.Symbol,
				Currency:      sub.Request.Currency,
				Exchange:      sub.Request.Exchange,
				Side:          sub.Request.Side,
				Quantity:      sub.Request.Quantity,
				OrderType:     sub.Request.OrderType,
				LimitPrice:    sub.Request.LimitPrice,
				TIF:           sub.Request.TIF,
			})
			cancel()
			if err == nil {
				g.update(sub, func(s *Submission) { s.Status = StatusSent })
				return nil
			}
			if !errors.Is(err, gateway.ErrNotConnected) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// OnOrderStatus correlates a gateway order status with its submission.
func (g *Gateway) OnOrderStatus(e gateway.OrderStatusEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.byCID[e.ClientOrderID]
	if !ok {
		return
	}
	sub.Status = e.Status
	sub.OrderID = e.OrderID
	sub.UpdatedAt = time.Now().UTC()
}

func (g *Gateway) update(sub *Submission, fn func(*Submission)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(sub)
	sub.UpdatedAt = time.Now().UTC()
}

// pruneLocked expires submissions whose retention window has elapsed since
// they last changed state. Queued submissions are never pruned: their entry
// is still in the channel, and dropping the key would let a client retry
// enqueue the same order twice.
func (g *Gateway) pruneLocked() {
	cutoff := time.Now().UTC().Add(-g.Retention)
	for key, sub := range g.byKey {
		if sub.Status == StatusQueued {
			continue
		}
		if sub.UpdatedAt.Before(cutoff) {
			delete(g.byKey, key)
			delete(g.byCID, sub.ClientOrderID)
		}
	}
}
