package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/webhook"
)

// HandleEvent applies one verified webhook event to its order. The whole
// application — dedup check, state mutation, fingerprint append — runs
// under the order's lock inside a transaction, so a processing error rolls
// everything back and a concurrent duplicate cannot slip past the dedup
// check. Duplicates and unknown event types return nil: the sender must
// not keep retrying them.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *webhook.Event) error {
	order, err := r.orders.GetByNumber(ctx, ev.MerchantReference)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			r.log.Warn("no order for merchant reference", "merchant_reference", ev.MerchantReference)
			return webhook.ErrOrderNotFound()
		}
		r.log.Error("order lookup failed", "merchant_reference", ev.MerchantReference, "error", err)
		return webhook.ErrProcessing()
	}

	unlock := r.locks.lock(order.ID)
	defer unlock()

	err = r.tx.InTx(ctx, func(ctx context.Context) error {
		// Reload under the lock: another delivery may have run in between.
		order, err := r.orders.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if !ev.Success {
			return r.applyFailure(ctx, order, ev)
		}
		return r.applyEvent(ctx, order, ev)
	})
	if err != nil {
		var werr *webhook.Error
		if errors.As(err, &werr) {
			return werr
		}
		r.log.Error("webhook processing failed", "order_id", order.ID, "event_type", ev.RawType, "error", err)
		return webhook.ErrProcessing()
	}
	return nil
}

func (r *Reconciler) applyEvent(ctx context.Context, order domain.Order, ev *webhook.Event) error {
	fp := ev.Fingerprint()
	if order.Payment.SeenFingerprint(fp) {
		r.log.Info("duplicate webhook event, skipping", "order_id", order.ID, "fingerprint", fp)
		return nil
	}

	if ev.Type == webhook.EventTokenization && ev.Token != "" {
		if err := r.saveToken(ctx, order, ev); err != nil {
			return err
		}
	}

	p := order.Payment
	p.RecordFingerprint(fp)
	p.LastWebhook = ev.Sanitized()
	if p.PayfacReference == "" && ev.PayfacReference != "" {
		p.PayfacReference = ev.PayfacReference
	}

	amountText := FormatAmount(ev.Amount, ev.Currency)

	var err error
	switch ev.Type {
	case webhook.EventAuthorization:
		err = r.applyAuthorization(ctx, order, ev, amountText)
	case webhook.EventCapture:
		err = r.applyCapture(ctx, order, ev, amountText)
	case webhook.EventRefund:
		err = r.applyRefund(ctx, order, ev, &p, amountText)
	case webhook.EventTokenization:
		err = r.applyTokenization(ctx, order, ev)
	case webhook.EventUnknown:
		err = r.orders.AddNote(ctx, order.ID, fmt.Sprintf("Unknown Straumur event type received: %s.", ev.RawType))
		r.log.Info("unknown event type", "order_id", order.ID, "event_type", ev.RawType)
	}
	if err != nil {
		return err
	}

	return r.orders.SavePayment(ctx, order.ID, p)
}

// applyAuthorization holds the order until the capture event; the
// payment-complete side effect never fires here.
func (r *Reconciler) applyAuthorization(ctx context.Context, order domain.Order, ev *webhook.Event, amountText string) error {
	var note string
	if order.Payment.CaptureMode == domain.CaptureManual {
		note = fmt.Sprintf("%s was authorized to card %s, %s. Auth code: %s. Awaiting manual capture.",
			amountText, ev.CardNumber, threeDSText(ev.ThreeDS), ev.AuthCode)
	} else {
		note = fmt.Sprintf("%s was authorized to card %s, %s. Auth code: %s. Awaiting capture webhook.",
			amountText, ev.CardNumber, threeDSText(ev.ThreeDS), ev.AuthCode)
	}
	// A paid order stays paid: the capture event may have raced ahead of
	// this authorization.
	if order.Paid() || order.Status == domain.StatusOnHold {
		return r.orders.AddNote(ctx, order.ID, note)
	}
	return r.orders.SetStatus(ctx, order.ID, domain.StatusOnHold, note)
}

// applyCapture marks the payment complete at most once, whatever order the
// authorization and capture events arrived in.
func (r *Reconciler) applyCapture(ctx context.Context, order domain.Order, ev *webhook.Event, amountText string) error {
	paid, err := r.orders.MarkPaid(ctx, order.ID, ev.PayfacReference)
	if err != nil {
		return err
	}
	if !paid {
		r.log.Info("order already paid, capture event noted only", "order_id", order.ID)
	}
	return r.orders.AddNote(ctx, order.ID,
		fmt.Sprintf("Capture completed for %s via Straumur (reference: %s).", amountText, ev.PayfacReference))
}

// applyRefund resolves the processor's unified reversal event against the
// pending merchant action, if any.
func (r *Reconciler) applyRefund(ctx context.Context, order domain.Order, ev *webhook.Event, p *domain.PaymentRecord, amountText string) error {
	switch p.PendingAction {
	case domain.PendingRefundRequested:
		p.PendingAction = domain.PendingNone
		note := fmt.Sprintf("A refund of %s has been processed by Straumur. Reference: %s.", amountText, ev.PayfacReference)
		r.log.Info("refund confirmed", "order_id", order.ID, "amount", amountText)
		return r.orders.SetStatus(ctx, order.ID, domain.StatusRefunded, note)
	case domain.PendingCancelRequested:
		p.PendingAction = domain.PendingNone
		note := fmt.Sprintf("Cancellation confirmed by Straumur. Reference: %s.", ev.PayfacReference)
		r.log.Info("cancellation confirmed", "order_id", order.ID)
		return r.orders.SetStatus(ctx, order.ID, domain.StatusCancelled, note)
	default:
		// Processor-initiated, not requested through this service. Flags
		// stay untouched.
		return r.orders.AddNote(ctx, order.ID,
			fmt.Sprintf("Straumur refund/cancellation of %s received (not requested through this service).", amountText))
	}
}

func (r *Reconciler) applyTokenization(ctx context.Context, order domain.Order, ev *webhook.Event) error {
	return r.orders.AddNote(ctx, order.ID,
		fmt.Sprintf("Card ending in %s has been saved for automatic subscription payments, %s (auth code: %s).",
			ev.CardSummary, threeDSText(ev.ThreeDS), ev.AuthCode))
}

// saveToken persists a subscription-only payment token for the order's
// customer. Guest orders skip silently; that is not an error.
func (r *Reconciler) saveToken(ctx context.Context, order domain.Order, ev *webhook.Event) error {
	if order.CustomerID == 0 {
		r.log.Info("no customer on order, skipping token save", "order_id", order.ID)
		return nil
	}

	month, year := webhook.ParseCardExpiry(ev.Reason)
	token := domain.PaymentToken{
		ID:               uuid.NewString(),
		CustomerID:       order.CustomerID,
		Gateway:          domain.PaymentMethodID,
		Token:            ev.Token,
		CardType:         ev.CardBrand,
		Last4:            ev.CardSummary,
		ExpiryMonth:      month,
		ExpiryYear:       year,
		Default:          true,
		SubscriptionOnly: true,
		CreatedAt:        r.clock.Now(),
	}
	if err := r.tokens.Save(ctx, token); err != nil {
		return fmt.Errorf("save payment token: %w", err)
	}
	r.log.Info("saved payment token", "customer_id", order.CustomerID, "token", maskToken(ev.Token),
		"expiry", month+"/"+year)
	return nil
}

// applyFailure records an explicitly failed transaction. The order status
// is left alone; only the failure detail and a note are written.
func (r *Reconciler) applyFailure(ctx context.Context, order domain.Order, ev *webhook.Event) error {
	var note string
	switch {
	case strings.EqualFold(ev.Reason, "Refused"):
		note = "Payment declined: the card was refused."
	case strings.EqualFold(ev.Reason, "Expired Card"):
		note = "Payment failed: the card has expired."
	case strings.EqualFold(ev.Reason, "3D Not Authenticated"):
		note = "Payment failed: 3D Secure verification failed."
	default:
		reason := ev.Reason
		if reason == "" {
			reason = "transaction failed"
		}
		note = fmt.Sprintf("Straumur %s failed: %s. Reference: %s", capitalize(ev.RawType), reason, ev.PayfacReference)
	}

	p := order.Payment
	p.LastFailure = &domain.FailureRecord{
		Timestamp:       r.clock.Now(),
		Reason:          ev.Reason,
		PayfacReference: ev.PayfacReference,
		EventType:       ev.RawType,
	}
	if err := r.orders.SavePayment(ctx, order.ID, p); err != nil {
		return err
	}
	if err := r.orders.AddNote(ctx, order.ID, note); err != nil {
		return err
	}
	r.log.Info("handled failed webhook", "order_id", order.ID, "reason", ev.Reason)
	return nil
}

func threeDSText(verified bool) string {
	if verified {
		return "verified by 3D Secure"
	}
	return "not verified by 3D Secure"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
