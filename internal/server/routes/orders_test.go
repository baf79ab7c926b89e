package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/jonandreas/straumur-payments/internal/app/domain"
	"github.com/jonandreas/straumur-payments/internal/gateway"
)

func postOrderAction(env *testEnv, orderID int64, action, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders/"+strconv.FormatInt(orderID, 10)+"/"+action, nil)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rr := httptest.NewRecorder()
	env.e.ServeHTTP(rr, req)
	return rr
}

func TestOrderActionsRequireAdminToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{})

	if rr := postOrderAction(env, id, "refund", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := postOrderAction(env, id, "refund", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
}

func TestStartSessionEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{})

	rr := postOrderAction(env, id, "session", "admin-token")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var session gateway.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.URL == "" || session.CheckoutReference != "chk-1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	order, _ := env.store.Get(context.Background(), id)
	if order.Payment.CheckoutReference != "chk-1" {
		t.Fatalf("checkout reference not stored: %+v", order.Payment)
	}
}

func TestRefundEndpointFlagsOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{
		Payment: domain.PaymentRecord{PayfacReference: "pf-1"},
	})

	rr := postOrderAction(env, id, "refund", "admin-token")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.gw.reversed != 1 {
		t.Fatalf("expected one reverse call, got %d", env.gw.reversed)
	}

	order, _ := env.store.Get(context.Background(), id)
	if order.Payment.PendingAction != domain.PendingRefundRequested {
		t.Fatalf("expected refund_requested, got %q", order.Payment.PendingAction)
	}
	refunds, _ := env.store.Refunds(context.Background(), id)
	if len(refunds) != 1 || !refunds[0].ExternallyRefunded {
		t.Fatalf("expected external refund record, got %+v", refunds)
	}
}

func TestCaptureEndpointRejectsAutoCapture(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{
		Payment: domain.PaymentRecord{PayfacReference: "pf-1", CaptureMode: domain.CaptureAuto},
	})

	rr := postOrderAction(env, id, "capture", "admin-token")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCancelEndpointRejectsForeignPaymentMethod(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{
		PaymentMethod: "cod",
		Payment:       domain.PaymentRecord{PayfacReference: "pf-1"},
	})

	rr := postOrderAction(env, id, "cancel", "admin-token")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestChargeEndpointWithoutToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{CustomerID: 42})

	rr := postOrderAction(env, id, "charge", "admin-token")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for customer without token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOrderActionUnknownOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if rr := postOrderAction(env, 9999, "refund", "admin-token"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestReturnEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{})
	env.gw.status = &gateway.PaymentResult{PayfacReference: "pf-9"}

	q := url.Values{}
	q.Set("order", strconv.FormatInt(id, 10))
	q.Set("key", ReturnKey("signing-secret", id))
	q.Set("checkoutReference", "chk-1")
	req := httptest.NewRequest(http.MethodGet, "/return?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	env.e.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(echo.HeaderLocation); got != "https://shop.example/cart" {
		t.Fatalf("unexpected redirect target: %q", got)
	}

	order, _ := env.store.Get(context.Background(), id)
	if order.Payment.PayfacReference != "pf-9" {
		t.Fatalf("payfac reference not stored: %+v", order.Payment)
	}
}

func TestReturnEndpointRejectsBadKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	id := env.seedOrder(t, domain.Order{})

	q := url.Values{}
	q.Set("order", strconv.FormatInt(id, 10))
	q.Set("key", "forged")
	req := httptest.NewRequest(http.MethodGet, "/return?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	env.e.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
