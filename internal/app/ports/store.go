package ports

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Orders is the collaborator contract required from the commerce system's
// order storage. Each method is atomic on its own; the reconciler
// serializes multi-step sequences per order on top of this.
type Orders interface {
	// Get returns the order with its payment sub-record.
	Get(ctx context.Context, id int64) (domain.Order, error)
	// GetByNumber resolves an order by its merchant reference.
	GetByNumber(ctx context.Context, number string) (domain.Order, error)
	// SavePayment persists the payment sub-record.
	SavePayment(ctx context.Context, id int64, p domain.PaymentRecord) error
	// SetStatus transitions the order status and appends the note.
	SetStatus(ctx context.Context, id int64, status domain.OrderStatus, note string) error
	// AddNote appends a human-readable audit note.
	AddNote(ctx context.Context, id int64, note string) error
	// MarkPaid records the payment-complete side effect exactly once,
	// attaching the processor reference as the transaction id. It returns
	// false without error when the order was already paid.
	MarkPaid(ctx context.Context, id int64, transactionRef string) (bool, error)
	// RefundedTotal is the commerce system's own refund bookkeeping for the
	// order, in major units.
	RefundedTotal(ctx context.Context, id int64) (decimal.Decimal, error)
	// LineItems lists the order lines in minor units.
	LineItems(ctx context.Context, id int64) ([]domain.LineItem, error)
	// CreateRefund persists a compensating refund record.
	CreateRefund(ctx context.Context, r domain.RefundRecord) error
}

// Subscriptions enumerates and cancels subscriptions tied to an order.
type Subscriptions interface {
	ListByOrder(ctx context.Context, orderID int64) ([]domain.Subscription, error)
	Cancel(ctx context.Context, id int64, note string) error
}

// Tokens stores payment tokens per customer account. Saving a default token
// replaces the previous default designation; saved card data is never
// mutated afterwards.
type Tokens interface {
	Save(ctx context.Context, t domain.PaymentToken) error
	DefaultForCustomer(ctx context.Context, customerID int64) (domain.PaymentToken, error)
}

// Transactor opens a transaction boundary; the callback's context carries
// it into store calls, and any error rolls back everything applied inside.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock is injected wherever the current time matters, so tests can pin it.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
