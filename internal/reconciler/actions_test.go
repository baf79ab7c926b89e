package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
)

func TestCancelFlagsOrderAndCallsGateway(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	if err := r.Cancel(context.Background(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(gw.reversed) != 1 || gw.reversed[0] != "1001" {
		t.Fatalf("expected one reverse call for 1001, got %v", gw.reversed)
	}

	got, _ := store.Get(context.Background(), order.ID)
	if got.Payment.PendingAction != domain.PendingCancelRequested {
		t.Fatalf("expected cancel_requested, got %q", got.Payment.PendingAction)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("cancel must not change status before confirmation, got %q", got.Status)
	}
	if !hasNote(store, order.ID, "Straumur payment cancellation request sent.") {
		t.Fatalf("missing cancel note, have %v", store.notes[order.ID])
	}
}

func TestCancelKeepsWebhookAppliedDuringReverse(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	// The reverse call itself triggers a webhook; deliver one mid-flight.
	gw.reverseHook = func() {
		if err := r.HandleEvent(context.Background(), authEvent()); err != nil {
			t.Errorf("handle webhook during cancel: %v", err)
		}
	}

	if err := r.Cancel(context.Background(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := store.Get(context.Background(), order.ID)
	if got.Payment.PendingAction != domain.PendingCancelRequested {
		t.Fatalf("expected cancel_requested, got %q", got.Payment.PendingAction)
	}
	if len(got.Payment.Fingerprints) != 1 {
		t.Fatalf("webhook fingerprint lost during cancel, got %d", len(got.Payment.Fingerprints))
	}

	// The event must still deduplicate when the sender redelivers it.
	if err := r.HandleEvent(context.Background(), authEvent()); err != nil {
		t.Fatalf("redeliver webhook: %v", err)
	}
	got, _ = store.Get(context.Background(), order.ID)
	if len(got.Payment.Fingerprints) != 1 {
		t.Fatalf("redelivered event was applied again, got %d fingerprints", len(got.Payment.Fingerprints))
	}
}

func TestCancelRejectsForeignPaymentMethod(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		PaymentMethod: "cod",
		Payment:       domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	if err := r.Cancel(context.Background(), order.ID); !errors.Is(err, ErrWrongPaymentMethod) {
		t.Fatalf("expected ErrWrongPaymentMethod, got %v", err)
	}
	if len(gw.reversed) != 0 {
		t.Fatal("no remote call may happen when validation fails")
	}
}

func TestCancelRequiresPayfacReference(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{})
	r := newTestReconciler(store, &fakeGateway{}, Options{})

	if err := r.Cancel(context.Background(), order.ID); !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
}

func TestCaptureRequiresManualMode(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Payment: domain.PaymentRecord{PayfacReference: "pf-1", CaptureMode: domain.CaptureAuto},
	})
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	if err := r.Capture(context.Background(), order.ID); !errors.Is(err, ErrManualCaptureOnly) {
		t.Fatalf("expected ErrManualCaptureOnly, got %v", err)
	}
	if len(gw.captures) != 0 {
		t.Fatal("no capture call may happen for auto-capture orders")
	}
}

func TestCaptureDefersPaidToWebhook(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Total:   decimal.NewFromInt(1500),
		Payment: domain.PaymentRecord{PayfacReference: "pf-1", CaptureMode: domain.CaptureManual},
	})
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	if err := r.Capture(context.Background(), order.ID); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(gw.captures) != 1 || gw.captures[0] != 150000 {
		t.Fatalf("expected capture of 150000 minor units, got %v", gw.captures)
	}

	got, _ := store.Get(context.Background(), order.ID)
	if got.PaidAt != nil {
		t.Fatal("capture action must not mark the order paid")
	}
	if got.Payment.PendingAction != domain.PendingCaptureRequested {
		t.Fatalf("expected capture_requested, got %q", got.Payment.PendingAction)
	}
}

func TestRefundCreatesCompensatingRecordAndCancelsSubscriptions(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Total:   decimal.NewFromInt(1500),
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	store.lines[order.ID] = []domain.LineItem{
		{Name: "Widget", Amount: 100000},
		{Name: "Shipping", Amount: 50000},
	}
	store.subs[7] = &domain.Subscription{ID: 7, OrderID: order.ID, Status: "active"}
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	if err := r.Refund(context.Background(), order.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(gw.reversed) != 1 {
		t.Fatalf("expected one reverse call, got %v", gw.reversed)
	}

	got, _ := store.Get(context.Background(), order.ID)
	if got.Payment.PendingAction != domain.PendingRefundRequested {
		t.Fatalf("expected refund_requested, got %q", got.Payment.PendingAction)
	}

	if len(store.refunds) != 1 {
		t.Fatalf("expected one refund record, got %d", len(store.refunds))
	}
	refund := store.refunds[0]
	if !refund.Amount.Equal(decimal.NewFromInt(1500)) || !refund.ExternallyRefunded {
		t.Fatalf("unexpected refund record: %+v", refund)
	}
	if len(refund.Lines) != 2 {
		t.Fatalf("expected mirrored lines, got %+v", refund.Lines)
	}

	if store.subs[7].Status != "cancelled" {
		t.Fatalf("expected subscription cancelled, got %q", store.subs[7].Status)
	}
	if !hasNote(store, order.ID, "Subscription cancelled due to refunded payment.") {
		t.Fatalf("missing subscription note, have %v", store.notes[order.ID])
	}
}

func TestRefundSubtractsPriorRefunds(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Total:   decimal.NewFromInt(1500),
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	store.refunds = append(store.refunds, domain.RefundRecord{
		ID: "existing", OrderID: order.ID, Amount: decimal.NewFromInt(500),
	})
	r := newTestReconciler(store, &fakeGateway{}, Options{})

	if err := r.Refund(context.Background(), order.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(store.refunds) != 2 {
		t.Fatalf("expected new refund record, got %d", len(store.refunds))
	}
	if !store.refunds[1].Amount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected remaining 1000, got %s", store.refunds[1].Amount)
	}
}

func TestRefundFullyRefundedOrderIsNoOp(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Total:   decimal.NewFromInt(1500),
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	store.refunds = append(store.refunds, domain.RefundRecord{
		ID: "existing", OrderID: order.ID, Amount: decimal.NewFromInt(1500),
	})
	gw := &fakeGateway{}
	r := newTestReconciler(store, gw, Options{})

	if err := r.Refund(context.Background(), order.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(gw.reversed) != 0 {
		t.Fatal("fully refunded order must not reach the gateway")
	}
	if len(store.refunds) != 1 {
		t.Fatalf("no new refund record expected, got %d", len(store.refunds))
	}
}

func TestRefundGatewayFailureAnnotatesOrder(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	order := seedOrder(store, domain.Order{
		Total:   decimal.NewFromInt(1500),
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})
	gw := &fakeGateway{reverseErr: errRemote}
	r := newTestReconciler(store, gw, Options{})

	err := r.Refund(context.Background(), order.ID)
	if !errors.Is(err, errRemote) {
		t.Fatalf("expected wrapped remote error, got %v", err)
	}

	got, _ := store.Get(context.Background(), order.ID)
	if got.Payment.PendingAction != domain.PendingNone {
		t.Fatalf("failed refund must not flag the order, got %q", got.Payment.PendingAction)
	}
	if len(store.refunds) != 0 {
		t.Fatal("failed refund must not create a refund record")
	}
	if !hasNote(store, order.ID, "Straumur refund request failed; no refund was issued.") {
		t.Fatalf("missing failure note, have %v", store.notes[order.ID])
	}
}
