package routes

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/jonandreas/straumur-payments/internal/app/ports"
	"github.com/jonandreas/straumur-payments/internal/gateway"
	"github.com/jonandreas/straumur-payments/internal/reconciler"
)

// OrderRoutes exposes the merchant-side payment operations.
type OrderRoutes struct {
	reconciler *reconciler.Reconciler
	adminToken string
	signingKey string
	log        *slog.Logger
}

// NewOrderRoutes constructs order routes. Every endpoint requires the
// admin token; the signing key is used to mint return URLs for new
// checkout sessions.
func NewOrderRoutes(rec *reconciler.Reconciler, adminToken, signingKey string, log *slog.Logger) *OrderRoutes {
	return &OrderRoutes{
		reconciler: rec,
		adminToken: adminToken,
		signingKey: signingKey,
		log:        log,
	}
}

// RegisterRoutes registers the order endpoints.
func (o *OrderRoutes) RegisterRoutes(s *echo.Echo) {
	g := s.Group("/orders", o.requireAdminToken)
	g.POST("/:id/session", o.handleStartSession)
	g.POST("/:id/capture", o.handleCapture)
	g.POST("/:id/cancel", o.handleCancel)
	g.POST("/:id/refund", o.handleRefund)
	g.POST("/:id/charge", o.handleCharge)
}

func (o *OrderRoutes) requireAdminToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.Request().Header.Get("X-Admin-Token")
		if o.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(o.adminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Invalid admin token",
			})
		}
		return next(c)
	}
}

type startSessionRequest struct {
	ReturnURL string `json:"returnUrl"`
}

func (o *OrderRoutes) handleStartSession(c echo.Context) error {
	orderID, err := orderIDParam(c)
	if err != nil {
		return invalidOrderID(c)
	}

	var req startSessionRequest
	if err := c.Bind(&req); err != nil && !errors.Is(err, echo.ErrUnsupportedMediaType) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_payload",
			"message": "Unable to parse request body",
		})
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = o.defaultReturnURL(c, orderID)
	}

	session, err := o.reconciler.StartSession(c.Request().Context(), orderID, returnURL)
	if err != nil {
		return o.renderActionError(c, orderID, err)
	}
	return c.JSON(http.StatusCreated, session)
}

func (o *OrderRoutes) handleCapture(c echo.Context) error {
	orderID, err := orderIDParam(c)
	if err != nil {
		return invalidOrderID(c)
	}
	if err := o.reconciler.Capture(c.Request().Context(), orderID); err != nil {
		return o.renderActionError(c, orderID, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Capture request sent"})
}

func (o *OrderRoutes) handleCancel(c echo.Context) error {
	orderID, err := orderIDParam(c)
	if err != nil {
		return invalidOrderID(c)
	}
	if err := o.reconciler.Cancel(c.Request().Context(), orderID); err != nil {
		return o.renderActionError(c, orderID, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Cancellation request sent"})
}

func (o *OrderRoutes) handleRefund(c echo.Context) error {
	orderID, err := orderIDParam(c)
	if err != nil {
		return invalidOrderID(c)
	}
	if err := o.reconciler.Refund(c.Request().Context(), orderID); err != nil {
		return o.renderActionError(c, orderID, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Refund request sent"})
}

type chargeRequest struct {
	ShopperIP string `json:"shopperIp"`
	Origin    string `json:"origin"`
	ReturnURL string `json:"returnUrl"`
}

func (o *OrderRoutes) handleCharge(c echo.Context) error {
	orderID, err := orderIDParam(c)
	if err != nil {
		return invalidOrderID(c)
	}

	var req chargeRequest
	if err := c.Bind(&req); err != nil && !errors.Is(err, echo.ErrUnsupportedMediaType) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_payload",
			"message": "Unable to parse request body",
		})
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = o.defaultReturnURL(c, orderID)
	}

	redirectURL, err := o.reconciler.ChargeSubscriptionRenewal(c.Request().Context(), orderID, req.ShopperIP, req.Origin, returnURL)
	if err != nil {
		return o.renderActionError(c, orderID, err)
	}
	if redirectURL != "" {
		return c.JSON(http.StatusOK, map[string]string{"redirectUrl": redirectURL})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Token charge authorized"})
}

func (o *OrderRoutes) defaultReturnURL(c echo.Context, orderID int64) string {
	q := url.Values{}
	q.Set("order", strconv.FormatInt(orderID, 10))
	q.Set("key", ReturnKey(o.signingKey, orderID))
	return fmt.Sprintf("%s://%s/return?%s", c.Scheme(), c.Request().Host, q.Encode())
}

func (o *OrderRoutes) renderActionError(c echo.Context, orderID int64, err error) error {
	ctx := c.Request().Context()
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "order_not_found",
			"message": "Order not found",
		})
	case errors.Is(err, reconciler.ErrWrongPaymentMethod),
		errors.Is(err, reconciler.ErrMissingReference),
		errors.Is(err, reconciler.ErrManualCaptureOnly),
		errors.Is(err, reconciler.ErrNoToken):
		return c.JSON(http.StatusConflict, map[string]string{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, reconciler.ErrChargeFailed):
		return c.JSON(http.StatusPaymentRequired, map[string]string{
			"error":   "charge_failed",
			"message": "Token payment was not authorized",
		})
	case errors.Is(err, gateway.ErrRequestFailed):
		o.log.ErrorContext(ctx, "Gateway request failed", "order_id", orderID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":   "gateway_error",
			"message": "Payment gateway request failed",
		})
	default:
		o.log.ErrorContext(ctx, "Order action failed", "order_id", orderID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "internal_error",
			"message": "Order action failed",
		})
	}
}

func orderIDParam(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

func invalidOrderID(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":   "invalid_order",
		"message": "Invalid order id",
	})
}
