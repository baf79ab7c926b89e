package reconciler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
)

// validateForModification enforces the preconditions every merchant action
// shares: the order was paid through this gateway and both references are
// on record. Nothing is mutated and no remote call is made when validation
// fails.
func (r *Reconciler) validateForModification(order domain.Order) error {
	if order.PaymentMethod != domain.PaymentMethodID {
		return ErrWrongPaymentMethod
	}
	if order.Payment.PayfacReference == "" || order.Number == "" {
		return ErrMissingReference
	}
	return nil
}

// Cancel asks the processor to reverse an uncaptured authorization. The
// order is only flagged; the cancelled status lands when the confirming
// webhook arrives.
func (r *Reconciler) Cancel(ctx context.Context, orderID int64) error {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := r.validateForModification(order); err != nil {
		return err
	}

	r.log.Info("requesting payment cancellation", "order_id", orderID)
	// The remote call runs outside the order lock; only the state flip
	// below needs serializing.
	if err := r.gw.Reverse(ctx, order.Number, order.Payment.PayfacReference); err != nil {
		r.log.Error("cancellation request failed", "order_id", orderID, "error", err)
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	unlock := r.locks.lock(orderID)
	defer unlock()
	return r.tx.InTx(ctx, func(ctx context.Context) error {
		// Reload under the lock: a webhook may have landed since the
		// pre-call load, and its fingerprints must survive this save.
		current, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		p := current.Payment
		p.PendingAction = domain.PendingCancelRequested
		if err := r.orders.SavePayment(ctx, orderID, p); err != nil {
			return err
		}
		return r.orders.AddNote(ctx, orderID, "Straumur payment cancellation request sent.")
	})
}

// Capture takes the funds for a manually-captured authorization. The paid
// flag is deferred to the capture webhook.
func (r *Reconciler) Capture(ctx context.Context, orderID int64) error {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := r.validateForModification(order); err != nil {
		return err
	}
	if order.Payment.CaptureMode != domain.CaptureManual {
		return ErrManualCaptureOnly
	}

	amount := MinorUnits(order.Total)
	if err := r.gw.Capture(ctx, order.Payment.PayfacReference, order.Number, amount, order.Currency); err != nil {
		r.log.Error("capture request failed", "order_id", orderID, "error", err)
		return fmt.Errorf("capture order %d: %w", orderID, err)
	}

	unlock := r.locks.lock(orderID)
	defer unlock()
	return r.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		p := current.Payment
		p.PendingAction = domain.PendingCaptureRequested
		if err := r.orders.SavePayment(ctx, orderID, p); err != nil {
			return err
		}
		return r.orders.AddNote(ctx, orderID, "Straumur payment capture request sent.")
	})
}

// Refund reverses a captured payment. On success it flags the order,
// mirrors the order lines into a compensating refund record — marked as
// already settled by the processor so the commerce system does not charge
// it again — and cancels any active subscription tied to the order. An
// order the commerce system already fully refunded is a no-op success.
func (r *Reconciler) Refund(ctx context.Context, orderID int64) error {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := r.validateForModification(order); err != nil {
		return err
	}

	refunded, err := r.orders.RefundedTotal(ctx, orderID)
	if err != nil {
		return err
	}
	if refunded.GreaterThanOrEqual(order.Total) {
		r.log.Info("order already fully refunded, nothing to do", "order_id", orderID)
		return nil
	}

	r.log.Info("requesting payment refund", "order_id", orderID)
	if err := r.gw.Reverse(ctx, order.Number, order.Payment.PayfacReference); err != nil {
		r.log.Error("refund request failed", "order_id", orderID, "error", err)
		if noteErr := r.orders.AddNote(ctx, orderID, "Straumur refund request failed; no refund was issued."); noteErr != nil {
			r.log.Error("failed to annotate order", "order_id", orderID, "error", noteErr)
		}
		return fmt.Errorf("refund order %d: %w", orderID, err)
	}

	unlock := r.locks.lock(orderID)
	defer unlock()
	return r.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		p := current.Payment
		p.PendingAction = domain.PendingRefundRequested
		if err := r.orders.SavePayment(ctx, orderID, p); err != nil {
			return err
		}
		if err := r.orders.AddNote(ctx, orderID, "Straumur refund request has been sent to Straumur."); err != nil {
			return err
		}

		lines, err := r.orders.LineItems(ctx, orderID)
		if err != nil {
			return err
		}
		refund := domain.RefundRecord{
			ID:                 uuid.NewString(),
			OrderID:            orderID,
			Amount:             order.Total.Sub(refunded),
			Currency:           order.Currency,
			Reason:             "external payment already refunded",
			ExternallyRefunded: true,
			Lines:              lines,
			CreatedAt:          r.clock.Now(),
		}
		if err := r.orders.CreateRefund(ctx, refund); err != nil {
			return err
		}

		subs, err := r.subs.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if !sub.Active() {
				continue
			}
			if err := r.subs.Cancel(ctx, sub.ID, "Subscription cancelled due to refunded payment."); err != nil {
				return err
			}
			r.log.Info("subscription cancelled after refund", "subscription_id", sub.ID, "order_id", orderID)
		}
		return nil
	})
}
