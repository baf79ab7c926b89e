package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/gateway"
)

// Validation errors surfaced to callers before any remote call is made.
var (
	// ErrWrongPaymentMethod marks an order not paid through this gateway.
	ErrWrongPaymentMethod = errors.New("order not paid with straumur")
	// ErrMissingReference marks an order without the references a
	// modification call needs.
	ErrMissingReference = errors.New("missing payment references")
	// ErrManualCaptureOnly rejects merchant capture on auto-capture orders.
	ErrManualCaptureOnly = errors.New("capture requires a manual-capture order")
	// ErrNoToken marks a renewal attempt without a stored default token.
	ErrNoToken = errors.New("no stored payment token")
	// ErrChargeFailed marks a token charge the processor did not authorise.
	ErrChargeFailed = errors.New("token payment failed")
)

// Gateway is the remote-call surface the reconciler drives. Satisfied by
// *gateway.Client.
type Gateway interface {
	CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error)
	SessionStatus(ctx context.Context, checkoutRef string) (*gateway.PaymentResult, error)
	Capture(ctx context.Context, payfacRef, merchantRef string, amount int64, currency string) error
	Reverse(ctx context.Context, merchantRef, payfacRef string) error
	ChargeToken(ctx context.Context, charge gateway.TokenCharge) (*gateway.PaymentResult, error)
}

// Options are the static behavioural switches loaded from configuration.
type Options struct {
	// ManualCapture authorizes only at checkout; funds are taken by an
	// explicit merchant capture.
	ManualCapture bool
	// CompleteOnPayment moves renewal orders straight to completed when
	// the charge is authorised.
	CompleteOnPayment bool
	// AbandonURL is offered to the hosted checkout when set.
	AbandonURL string
	// SuccessURL overrides the post-payment redirect when set.
	SuccessURL string
}

// Reconciler keeps an order's financial state consistent with the payment
// processor across shopper redirects, webhook callbacks, and merchant
// actions. All dependencies are injected; it holds no package state.
type Reconciler struct {
	gw     Gateway
	orders ports.Orders
	tokens ports.Tokens
	subs   ports.Subscriptions
	tx     ports.Transactor
	clock  ports.Clock
	opts   Options
	log    *slog.Logger

	locks orderLocks
}

// New wires a reconciler. clock defaults to wall time when nil.
func New(gw Gateway, orders ports.Orders, tokens ports.Tokens, subs ports.Subscriptions, tx ports.Transactor, clock ports.Clock, opts Options, log *slog.Logger) *Reconciler {
	if clock == nil {
		clock = ports.ClockFunc(time.Now)
	}
	return &Reconciler{
		gw:     gw,
		orders: orders,
		tokens: tokens,
		subs:   subs,
		tx:     tx,
		clock:  clock,
		opts:   opts,
		log:    log,
	}
}
