package routes

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jonandreas/straumur-payments/internal/reconciler"
	"github.com/jonandreas/straumur-payments/internal/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookRoutes registers the payment notification endpoint.
type WebhookRoutes struct {
	verifier   *webhook.Verifier
	reconciler *reconciler.Reconciler
	log        *slog.Logger
}

// NewWebhookRoutes constructs webhook routes.
func NewWebhookRoutes(verifier *webhook.Verifier, rec *reconciler.Reconciler, log *slog.Logger) *WebhookRoutes {
	return &WebhookRoutes{verifier: verifier, reconciler: rec, log: log}
}

// RegisterRoutes registers webhook endpoints.
func (w *WebhookRoutes) RegisterRoutes(s *echo.Echo) {
	s.POST("/webhooks/straumur", w.handleStraumurWebhook)
}

func (w *WebhookRoutes) handleStraumurWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "invalid_payload",
			"message": "Unable to read request body",
		})
	}

	event, err := w.verifier.Verify(body)
	if err != nil {
		return w.renderError(c, err)
	}

	if err := w.reconciler.HandleEvent(ctx, event); err != nil {
		return w.renderError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Webhook processed successfully"})
}

func (w *WebhookRoutes) renderError(c echo.Context, err error) error {
	var whErr *webhook.Error
	if errors.As(err, &whErr) {
		if whErr.Status >= http.StatusInternalServerError {
			w.log.ErrorContext(c.Request().Context(), "Webhook processing failed", "error", err)
		} else {
			w.log.WarnContext(c.Request().Context(), "Webhook rejected", "code", whErr.Code, "error", err)
		}
		return c.JSON(whErr.Status, map[string]string{
			"error":   whErr.Code,
			"message": whErr.Message,
		})
	}
	w.log.ErrorContext(c.Request().Context(), "Webhook processing failed", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":   "processing_error",
		"message": "Webhook processing failed",
	})
}
