package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Mond1c/zenclass-bridge/internal/webhook"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Ingester interface {
	Ingest(ctx context.Context, n *webhook.Notification) (webhook.Result, error)
}

type WebhookHandler struct {
	service Ingester
	logger  *zap.Logger
}

func NewWebhookHandler(service Ingester, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

func (h *WebhookHandler) HandleZenClass(c echo.Context) error {
	var n webhook.Notification
	// Content-Type is not trusted: the body is always decoded as JSON.
	if err := c.Echo().JSONSerializer.Deserialize(c, &n); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	result, err := h.service.Ingest(c.Request().Context(), &n)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrMalformedRequest):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, webhook.ErrSignatureInvalid):
			return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
		default:
			h.logger.Error("Webhook processing failed",
				zap.String("webhook_id", n.ID.String()),
				zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
	}

	if result.Status == webhook.StatusAlreadyProcessed {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": result.Status,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    result.Status,
		"event":     result.Event,
		"processed": result.Processed,
	})
}
