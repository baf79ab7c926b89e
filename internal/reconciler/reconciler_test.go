package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/gateway"
)

var testClock = ports.ClockFunc(func() time.Time {
	return time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
})

// memStore is an in-memory stand-in for the commerce system's storage.
type memStore struct {
	mu      sync.Mutex
	getErr  error
	orders  map[int64]*domain.Order
	notes   map[int64][]string
	lines   map[int64][]domain.LineItem
	refunds []domain.RefundRecord
	subs    map[int64]*domain.Subscription
	tokens  []domain.PaymentToken
}

func newMemStore() *memStore {
	return &memStore{
		orders: map[int64]*domain.Order{},
		notes:  map[int64][]string{},
		lines:  map[int64][]domain.LineItem{},
		subs:   map[int64]*domain.Subscription{},
	}
}

func (s *memStore) put(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := o
	s.orders[o.ID] = &clone
}

func (s *memStore) Get(_ context.Context, id int64) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Order{}, s.getErr
	}
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, ports.ErrNotFound
	}
	return *o, nil
}

func (s *memStore) GetByNumber(_ context.Context, number string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.Number == number {
			return *o, nil
		}
	}
	return domain.Order{}, ports.ErrNotFound
}

func (s *memStore) SavePayment(_ context.Context, id int64, p domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return ports.ErrNotFound
	}
	o.Payment = p
	return nil
}

func (s *memStore) SetStatus(ctx context.Context, id int64, status domain.OrderStatus, note string) error {
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return ports.ErrNotFound
	}
	o.Status = status
	s.mu.Unlock()
	if note == "" {
		return nil
	}
	return s.AddNote(ctx, id, note)
}

func (s *memStore) AddNote(_ context.Context, id int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[id] = append(s.notes[id], note)
	return nil
}

func (s *memStore) MarkPaid(_ context.Context, id int64, transactionRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ports.ErrNotFound
	}
	if o.PaidAt != nil {
		return false, nil
	}
	now := testClock.Now()
	o.PaidAt = &now
	o.TransactionRef = transactionRef
	if o.NeedsProcessing {
		o.Status = domain.StatusProcessing
	} else {
		o.Status = domain.StatusCompleted
	}
	return true, nil
}

func (s *memStore) RefundedTotal(_ context.Context, id int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.refunds {
		if r.OrderID == id {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (s *memStore) LineItems(_ context.Context, id int64) ([]domain.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LineItem(nil), s.lines[id]...), nil
}

func (s *memStore) CreateRefund(_ context.Context, r domain.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, r)
	return nil
}

func (s *memStore) ListByOrder(_ context.Context, orderID int64) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.OrderID == orderID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *memStore) Cancel(ctx context.Context, id int64, note string) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if !ok {
		s.mu.Unlock()
		return ports.ErrNotFound
	}
	sub.Status = "cancelled"
	orderID := sub.OrderID
	s.mu.Unlock()
	if note == "" {
		return nil
	}
	return s.AddNote(ctx, orderID, note)
}

func (s *memStore) Save(_ context.Context, t domain.PaymentToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Default {
		for i := range s.tokens {
			if s.tokens[i].CustomerID == t.CustomerID && s.tokens[i].Gateway == t.Gateway {
				s.tokens[i].Default = false
			}
		}
	}
	s.tokens = append(s.tokens, t)
	return nil
}

func (s *memStore) DefaultForCustomer(_ context.Context, customerID int64) (domain.PaymentToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.tokens) - 1; i >= 0; i-- {
		if s.tokens[i].CustomerID == customerID && s.tokens[i].Default {
			return s.tokens[i], nil
		}
	}
	return domain.PaymentToken{}, ports.ErrNotFound
}

// passTx runs the callback without a real transaction.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeGateway records remote calls and replays canned responses.
type fakeGateway struct {
	mu sync.Mutex

	session    *gateway.Session
	sessionErr error
	lastReq    gateway.SessionRequest

	status    *gateway.PaymentResult
	statusErr error

	captures   []int64
	captureErr error

	reversed    []string
	reverseErr  error
	reverseHook func()

	chargeRes  *gateway.PaymentResult
	chargeErr  error
	lastCharge gateway.TokenCharge
}

func (g *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastReq = req
	if g.sessionErr != nil {
		return nil, g.sessionErr
	}
	if g.session == nil {
		return &gateway.Session{URL: "https://checkout.example/s", CheckoutReference: "chk-1"}, nil
	}
	return g.session, nil
}

func (g *fakeGateway) SessionStatus(_ context.Context, _ string) (*gateway.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.statusErr
}

func (g *fakeGateway) Capture(_ context.Context, _, _ string, amount int64, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures = append(g.captures, amount)
	return g.captureErr
}

func (g *fakeGateway) Reverse(_ context.Context, merchantRef, _ string) error {
	g.mu.Lock()
	g.reversed = append(g.reversed, merchantRef)
	hook := g.reverseHook
	err := g.reverseErr
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (g *fakeGateway) ChargeToken(_ context.Context, charge gateway.TokenCharge) (*gateway.PaymentResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastCharge = charge
	return g.chargeRes, g.chargeErr
}

func newTestReconciler(store *memStore, gw *fakeGateway, opts Options) *Reconciler {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(gw, store, store, store, passTx{}, testClock, opts, log)
}

func seedOrder(store *memStore, o domain.Order) domain.Order {
	if o.ID == 0 {
		o.ID = 1
	}
	if o.Number == "" {
		o.Number = "1001"
	}
	if o.Currency == "" {
		o.Currency = "ISK"
	}
	if o.Total.IsZero() {
		o.Total = decimal.NewFromInt(1500)
	}
	if o.PaymentMethod == "" {
		o.PaymentMethod = domain.PaymentMethodID
	}
	if o.Status == "" {
		o.Status = domain.StatusPending
	}
	store.put(o)
	return o
}

func hasNote(store *memStore, orderID int64, want string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, note := range store.notes[orderID] {
		if note == want {
			return true
		}
	}
	return false
}

var errRemote = errors.New("remote unavailable")
