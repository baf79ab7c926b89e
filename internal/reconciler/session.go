package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/gateway"
)

// StartSession creates a hosted-checkout session for an order and pins the
// order's capture mode for the rest of its payment lifecycle.
func (r *Reconciler) StartSession(ctx context.Context, orderID int64, returnURL string) (*gateway.Session, error) {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	p := order.Payment
	if r.opts.ManualCapture {
		p.CaptureMode = domain.CaptureManual
	} else {
		p.CaptureMode = domain.CaptureAuto
	}
	if err := r.orders.SavePayment(ctx, orderID, p); err != nil {
		return nil, err
	}

	amount := MinorUnits(order.Total)
	items, err := r.orders.LineItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	items = reconcileLineTotals(items, amount)

	subs, err := r.subs.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	session, err := r.gw.CreateSession(ctx, gateway.SessionRequest{
		Amount:       amount,
		Currency:     order.Currency,
		ReturnURL:    returnURL,
		Reference:    order.Number,
		Items:        items,
		Subscription: len(subs) > 0,
		AbandonURL:   r.opts.AbandonURL,
	})
	if err != nil {
		r.log.Error("unable to initiate payment session", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("start session for order %d: %w", orderID, err)
	}

	// The checkout reference is set once and immutable afterwards. Reload
	// under the lock so fields written while the session call was in
	// flight are kept.
	if session.CheckoutReference != "" {
		unlock := r.locks.lock(orderID)
		defer unlock()
		err = r.tx.InTx(ctx, func(ctx context.Context) error {
			current, err := r.orders.Get(ctx, orderID)
			if err != nil {
				return err
			}
			if current.Payment.CheckoutReference != "" {
				return nil
			}
			p := current.Payment
			p.CheckoutReference = session.CheckoutReference
			return r.orders.SavePayment(ctx, orderID, p)
		})
		if err != nil {
			return nil, err
		}
	}
	return session, nil
}

// reconcileLineTotals absorbs any rounding difference between the summed
// line totals and the order total into the last line, so the processor
// sees items that add up exactly.
func reconcileLineTotals(items []domain.LineItem, total int64) []domain.LineItem {
	if len(items) == 0 {
		return items
	}
	var sum int64
	for _, it := range items {
		sum += it.Amount
	}
	if diff := total - sum; diff != 0 {
		items[len(items)-1].Amount += diff
	}
	return items
}

// ReturnOutcome tells the HTTP layer where to send the shopper after the
// single synchronous status lookup of the return flow.
type ReturnOutcome int

const (
	// ReturnOrderMissing sends the shopper back to the cart.
	ReturnOrderMissing ReturnOutcome = iota
	// ReturnLookupFailed means the order lookup itself errored; nothing is
	// known about the order.
	ReturnLookupFailed
	// ReturnMissingReference sends the shopper to the payment page; there
	// is no session to check.
	ReturnMissingReference
	// ReturnStatusUnavailable means the status lookup itself failed.
	ReturnStatusUnavailable
	// ReturnIncomplete means the session finished without a payment.
	ReturnIncomplete
	// ReturnSuccess means the payment is in flight; final state arrives by
	// webhook.
	ReturnSuccess
)

// HandleReturn processes the shopper's redirect back from hosted checkout:
// accept or recall the checkout reference, persist it once, make one
// status lookup, and classify the result. Nonce validation happens in the
// HTTP layer before this is called.
func (r *Reconciler) HandleReturn(ctx context.Context, orderID int64, checkoutRef string) (ReturnOutcome, error) {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ReturnOrderMissing, nil
		}
		return ReturnLookupFailed, err
	}

	if checkoutRef == "" {
		checkoutRef = order.Payment.CheckoutReference
	}
	if checkoutRef == "" {
		return ReturnMissingReference, nil
	}

	if order.Payment.CheckoutReference == "" {
		p := order.Payment
		p.CheckoutReference = checkoutRef
		if err := r.orders.SavePayment(ctx, orderID, p); err != nil {
			return ReturnStatusUnavailable, err
		}
		order.Payment = p
	}

	status, err := r.gw.SessionStatus(ctx, checkoutRef)
	if err != nil {
		r.log.Warn("session status lookup failed", "order_id", orderID, "error", err)
		return ReturnStatusUnavailable, nil
	}

	if status.PayfacReference == "" {
		r.log.Info("session finished without payment", "order_id", orderID)
		return ReturnIncomplete, nil
	}

	unlock := r.locks.lock(orderID)
	defer unlock()
	err = r.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		p := current.Payment
		p.PayfacReference = status.PayfacReference
		return r.orders.SavePayment(ctx, orderID, p)
	})
	if err != nil {
		return ReturnStatusUnavailable, err
	}
	return ReturnSuccess, nil
}

// SuccessURL is the post-payment redirect target, honoring the configured
// override.
func (r *Reconciler) SuccessURL(fallback string) string {
	if r.opts.SuccessURL != "" {
		return r.opts.SuccessURL
	}
	return fallback
}

// ChargeSubscriptionRenewal charges the customer's stored default token
// for a renewal order. It returns a redirect URL when the processor
// demands a shopper interaction, and ErrChargeFailed when the attempt was
// refused; the order is moved to failed in that case.
func (r *Reconciler) ChargeSubscriptionRenewal(ctx context.Context, orderID int64, shopperIP, origin, returnURL string) (string, error) {
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.CustomerID == 0 {
		return "", ErrNoToken
	}
	token, err := r.tokens.DefaultForCustomer(ctx, order.CustomerID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			r.log.Error("no default token for renewal", "order_id", orderID, "customer_id", order.CustomerID)
			return "", ErrNoToken
		}
		return "", err
	}

	amount := MinorUnits(order.Total)
	r.log.Info("processing subscription renewal", "order_id", orderID, "amount", amount)

	res, err := r.gw.ChargeToken(ctx, gateway.TokenCharge{
		Token:     token.Token,
		Amount:    amount,
		Currency:  order.Currency,
		Reference: order.Number,
		ShopperIP: shopperIP,
		Origin:    origin,
		Channel:   "Web",
		ReturnURL: returnURL,
	})
	if err != nil {
		return "", fmt.Errorf("charge token for order %d: %w", orderID, err)
	}

	switch {
	case res.Authorised():
		return "", r.finishRenewal(ctx, order, res)
	case res.RequiresRedirect():
		if err := r.orders.AddNote(ctx, orderID, fmt.Sprintf("Subscription renewal requires redirect: %s", res.RedirectURL())); err != nil {
			return "", err
		}
		return res.RedirectURL(), nil
	default:
		if err := r.orders.SetStatus(ctx, orderID, domain.StatusFailed, "Token payment failed."); err != nil {
			return "", err
		}
		return "", ErrChargeFailed
	}
}

func (r *Reconciler) finishRenewal(ctx context.Context, order domain.Order, res *gateway.PaymentResult) error {
	unlock := r.locks.lock(order.ID)
	defer unlock()
	return r.tx.InTx(ctx, func(ctx context.Context) error {
		// Reload under the lock so webhooks applied during the charge call
		// are not overwritten.
		current, err := r.orders.Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if res.PayfacReference != "" {
			p := current.Payment
			p.PayfacReference = res.PayfacReference
			if err := r.orders.SavePayment(ctx, order.ID, p); err != nil {
				return err
			}
			r.log.Info("saved payfac reference for renewal", "order_id", order.ID, "payfac_reference", res.PayfacReference)
		} else {
			r.log.Warn("no payfac reference on authorised renewal", "order_id", order.ID)
		}

		note := "Subscription renewal authorized via token payment."
		if r.opts.CompleteOnPayment || !current.NeedsProcessing {
			return r.orders.SetStatus(ctx, order.ID, domain.StatusCompleted, note)
		}
		if _, err := r.orders.MarkPaid(ctx, order.ID, res.PayfacReference); err != nil {
			return err
		}
		return r.orders.AddNote(ctx, order.ID, note)
	})
}
