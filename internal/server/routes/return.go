package routes

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jonandreas/straumur-payments/internal/reconciler"
)

// ReturnRoutes handles the shopper's redirect back from hosted checkout.
type ReturnRoutes struct {
	reconciler *reconciler.Reconciler
	signingKey []byte
	retryURL   string
	log        *slog.Logger
}

// NewReturnRoutes constructs return routes. The signing key authenticates
// the order id embedded in the return URL; retryURL is where shoppers land
// when the session did not finish with a payment.
func NewReturnRoutes(rec *reconciler.Reconciler, signingKey, retryURL string, log *slog.Logger) *ReturnRoutes {
	if retryURL == "" {
		retryURL = "/"
	}
	return &ReturnRoutes{
		reconciler: rec,
		signingKey: []byte(signingKey),
		retryURL:   retryURL,
		log:        log,
	}
}

// RegisterRoutes registers the return endpoint.
func (r *ReturnRoutes) RegisterRoutes(s *echo.Echo) {
	s.GET("/return", r.handleReturn)
}

// ReturnKey derives the tamper check for an order's return URL.
func ReturnKey(signingKey string, orderID int64) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(strconv.FormatInt(orderID, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *ReturnRoutes) handleReturn(c echo.Context) error {
	ctx := c.Request().Context()

	orderID, err := strconv.ParseInt(c.QueryParam("order"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_order",
			"message": "Invalid order reference",
		})
	}

	want := ReturnKey(string(r.signingKey), orderID)
	if !hmac.Equal([]byte(want), []byte(c.QueryParam("key"))) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "invalid_key",
			"message": "Return key verification failed",
		})
	}

	outcome, err := r.reconciler.HandleReturn(ctx, orderID, c.QueryParam("checkoutReference"))
	if err != nil {
		r.log.ErrorContext(ctx, "Return handling failed", "order_id", orderID, "error", err)
	}

	switch outcome {
	case reconciler.ReturnOrderMissing:
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "order_not_found",
			"message": "Order not found",
		})
	case reconciler.ReturnLookupFailed:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "processing_error",
			"message": "Unable to process the payment return",
		})
	case reconciler.ReturnSuccess:
		return c.Redirect(http.StatusSeeOther, r.reconciler.SuccessURL(r.retryURL))
	default:
		return c.Redirect(http.StatusSeeOther, r.retryURL)
	}
}
