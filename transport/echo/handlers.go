// Package echo mirrors the gin transport for hosts that embed the bridge in
// an echo-based service.
package echo

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	bridge "github.com/OpenAegis/epay-bridge"
	"github.com/OpenAegis/epay-bridge/reconcile"
	"github.com/OpenAegis/epay-bridge/store"
	"github.com/OpenAegis/epay-bridge/verify"
)

const confirmationHTML = `<html><body><h1>Payment received</h1><p>You can close this page.</p></body></html>`

// Handler serves the bridge's callback endpoints on an echo router.
type Handler struct {
	engine   *reconcile.Engine
	resolver *store.Resolver
	log      *zap.Logger
}

// NewHandler creates a Handler over the engine and storage resolver.
func NewHandler(engine *reconcile.Engine, resolver *store.Resolver, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: engine, resolver: resolver, log: log}
}

// Register mounts all routes.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/callbacks/notify", h.Notify)
	e.GET("/callbacks/notify", h.Notify)
	e.GET("/callbacks/return", h.Return)
	e.GET("/healthz", h.Healthz)
}

// Notify handles the gateway's server-to-server notification.
func (h *Handler) Notify(c echo.Context) error {
	params, err := h.notificationParams(c)
	if err != nil {
		return c.String(http.StatusBadRequest, reconcile.RejectBody)
	}

	result, err := h.engine.HandleNotification(c.Request().Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrVerificationFailed), errors.Is(err, bridge.ErrIntegrityConflict):
			return c.String(http.StatusBadRequest, reconcile.RejectBody)
		default:
			return c.String(http.StatusInternalServerError, "error")
		}
	}

	h.log.Info("notification handled",
		zap.String("order_no", result.OrderNo),
		zap.String("outcome", string(result.Outcome)))
	return c.String(http.StatusOK, reconcile.AckBody)
}

// Return handles the browser redirect leg.
func (h *Handler) Return(c echo.Context) error {
	params := verify.FlattenValues(c.QueryParams())

	result, err := h.engine.HandleReturn(c.Request().Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bridge.ErrVerificationFailed) || errors.Is(err, bridge.ErrIntegrityConflict) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]any{"paid": false})
	}

	if result.Outcome == reconcile.OutcomeSuccess {
		if result.RedirectURL != "" {
			return c.Redirect(http.StatusFound, result.RedirectURL)
		}
		return c.HTML(http.StatusOK, confirmationHTML)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"paid":    false,
		"status":  string(reconcile.OutcomeUnpaid),
		"orderNo": result.OrderNo,
	})
}

// Healthz reports storage readiness.
func (h *Handler) Healthz(c echo.Context) error {
	health := h.resolver.HealthCheck(c.Request().Context())
	status := http.StatusOK
	if !health.Ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, health)
}

func (h *Handler) notificationParams(c echo.Context) (map[string]string, error) {
	req := c.Request()
	if strings.Contains(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return verify.ValidateJSONPayload(body)
	}

	if err := req.ParseForm(); err != nil {
		return nil, err
	}
	return verify.FlattenValues(req.Form), nil
}
