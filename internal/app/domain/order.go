package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethodID is the gateway identifier stamped on orders paid through
// Straumur hosted checkout.
const PaymentMethodID = "straumur"

// OrderStatus mirrors the commerce system's order-status field.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusOnHold     OrderStatus = "on-hold"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRefunded   OrderStatus = "refunded"
	StatusFailed     OrderStatus = "failed"
)

// CaptureMode is fixed at payment-session creation time.
type CaptureMode string

const (
	CaptureAuto   CaptureMode = "auto"
	CaptureManual CaptureMode = "manual"
)

// PendingAction marks a merchant-initiated modification awaiting its
// confirming webhook. Cleared only by the matching event.
type PendingAction string

const (
	PendingNone             PendingAction = ""
	PendingCancelRequested  PendingAction = "cancel_requested"
	PendingRefundRequested  PendingAction = "refund_requested"
	PendingCaptureRequested PendingAction = "capture_requested"
)

// Order is the slice of the commerce system's order this service reads and
// writes. The surrounding order record is owned elsewhere; the Payment
// sub-record is owned here.
type Order struct {
	ID              int64
	Number          string // merchant reference sent to the processor
	CustomerID      int64  // 0 for guest checkout
	Currency        string
	Total           decimal.Decimal // major units
	Status          OrderStatus
	PaymentMethod   string
	TransactionRef  string
	PaidAt          *time.Time
	NeedsProcessing bool

	Payment PaymentRecord
}

// Paid reports whether the payment-complete side effect already fired.
func (o Order) Paid() bool {
	return o.PaidAt != nil
}

// FingerprintCap bounds the processed-event log kept per order; the oldest
// entries are evicted first.
const FingerprintCap = 20

// PaymentRecord holds the Straumur-specific fields persisted on an order.
// Fields are created at session time and never deleted: they are the audit
// trail for the payment.
type PaymentRecord struct {
	CheckoutReference string // set once, immutable thereafter
	PayfacReference   string
	CaptureMode       CaptureMode
	PendingAction     PendingAction
	Fingerprints      []string
	LastFailure       *FailureRecord
	LastWebhook       string // sanitized JSON snapshot of the most recent event
}

// SeenFingerprint reports whether an event identity was already applied.
func (p PaymentRecord) SeenFingerprint(fp string) bool {
	for _, seen := range p.Fingerprints {
		if seen == fp {
			return true
		}
	}
	return false
}

// RecordFingerprint appends an applied event identity, trimming to the
// newest FingerprintCap entries.
func (p *PaymentRecord) RecordFingerprint(fp string) {
	p.Fingerprints = append(p.Fingerprints, fp)
	if n := len(p.Fingerprints); n > FingerprintCap {
		p.Fingerprints = p.Fingerprints[n-FingerprintCap:]
	}
}

// FailureRecord is the most recent failure detail, overwritten each time.
type FailureRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason"`
	PayfacReference string    `json:"payfac_reference"`
	EventType       string    `json:"event_type"`
}

// LineItem is an order line in minor units, as sent to hosted checkout and
// mirrored into compensating refund records.
type LineItem struct {
	Name   string
	Amount int64
}

// RefundRecord is a compensating refund created in the commerce system when
// the processor confirms a merchant-initiated reversal. ExternallyRefunded
// marks it as already settled by the processor so the commerce system does
// not charge the processor a second time.
type RefundRecord struct {
	ID                 string
	OrderID            int64
	Amount             decimal.Decimal
	Currency           string
	Reason             string
	ExternallyRefunded bool
	Lines              []LineItem
	CreatedAt          time.Time
}

// Subscription is the slice of a linked subscription this service needs.
type Subscription struct {
	ID      int64
	OrderID int64
	Status  string
}

// Active reports whether the subscription would bill again.
func (s Subscription) Active() bool {
	return s.Status == "active"
}

// PaymentToken is a stored card token usable for scheduled renewal charges.
// SubscriptionOnly tokens are hidden from manual checkout token pickers.
type PaymentToken struct {
	ID               string
	CustomerID       int64
	Gateway          string
	Token            string
	CardType         string
	Last4            string
	ExpiryMonth      string
	ExpiryYear       string
	Default          bool
	SubscriptionOnly bool
	CreatedAt        time.Time
}
