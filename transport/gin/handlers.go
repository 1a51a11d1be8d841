// Package gin exposes the bridge's inbound HTTP surface on a gin router:
// the gateway's asynchronous notify callback, the browser return leg, tenant
// install/uninstall webhooks, and a health endpoint.
package gin

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	bridge "github.com/OpenAegis/epay-bridge"
	"github.com/OpenAegis/epay-bridge/reconcile"
	"github.com/OpenAegis/epay-bridge/store"
	"github.com/OpenAegis/epay-bridge/verify"
)

// confirmationHTML is rendered on the return leg when no redirect target is
// configured anywhere.
const confirmationHTML = `<html><body><h1>Payment received</h1><p>You can close this page.</p></body></html>`

// Handler serves the bridge's callback endpoints.
type Handler struct {
	engine   *reconcile.Engine
	resolver *store.Resolver
	log      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// NewHandler creates a Handler over the engine and storage resolver.
func NewHandler(engine *reconcile.Engine, resolver *store.Resolver, opts ...Option) *Handler {
	h := &Handler{engine: engine, resolver: resolver, log: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts all routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/callbacks/notify", h.Notify)
	r.GET("/callbacks/notify", h.Notify) // some gateway deployments deliver over GET
	r.GET("/callbacks/return", h.Return)
	r.GET("/healthz", h.Healthz)
	r.POST("/saleor/register", h.RegisterTenant)
	r.POST("/saleor/uninstall", h.UninstallTenant)
}

// Notify handles the gateway's server-to-server notification.
//
// Responses follow the gateway's retry contract: the literal body "success"
// acknowledges processed and non-terminal notifications alike; "fail" with a
// 4xx rejects unauthenticated or contradictory ones; a 5xx on transient
// storage trouble makes the gateway redeliver later. An acknowledgment is
// never synthesized when the true state is unknown.
func (h *Handler) Notify(c *gin.Context) {
	requestID := uuid.NewString()

	params, err := h.notificationParams(c)
	if err != nil {
		h.log.Warn("unparseable notification",
			zap.String("request_id", requestID), zap.Error(err))
		c.String(http.StatusBadRequest, reconcile.RejectBody)
		return
	}

	result, err := h.engine.HandleNotification(c.Request.Context(), params)
	if err != nil {
		h.respondNotifyError(c, requestID, err)
		return
	}

	h.log.Info("notification handled",
		zap.String("request_id", requestID),
		zap.String("order_no", result.OrderNo),
		zap.String("outcome", string(result.Outcome)),
		zap.Bool("replayed", result.Replayed))
	c.String(http.StatusOK, reconcile.AckBody)
}

// Return handles the paying user's browser redirect back from the gateway.
// Success turns into a 302 to the resolved target (or a minimal confirmation
// page); anything non-terminal answers a machine-readable "not completed"
// body, since this leg may arrive before the authoritative notification.
func (h *Handler) Return(c *gin.Context) {
	params := verify.FlattenValues(c.Request.URL.Query())

	result, err := h.engine.HandleReturn(c.Request.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrVerificationFailed), errors.Is(err, bridge.ErrIntegrityConflict):
			c.JSON(http.StatusBadRequest, gin.H{"paid": false, "error": "invalid payment callback"})
		case errors.Is(err, bridge.ErrStorageUnavailable), errors.Is(err, bridge.ErrTimeout):
			c.JSON(http.StatusServiceUnavailable, gin.H{"paid": false, "error": "temporarily unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"paid": false, "error": "internal error"})
		}
		return
	}

	if result.Outcome == reconcile.OutcomeSuccess {
		if result.RedirectURL != "" {
			c.Redirect(http.StatusFound, result.RedirectURL)
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(confirmationHTML))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"paid":    false,
		"status":  string(reconcile.OutcomeUnpaid),
		"orderNo": result.OrderNo,
	})
}

// Healthz reports storage readiness as a value; a cold resolver that cannot
// initialize answers 503, distinct from any payment outcome.
func (h *Handler) Healthz(c *gin.Context) {
	health := h.resolver.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !health.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

type registerRequest struct {
	SaleorAPIURL string `json:"saleorApiUrl" binding:"required"`
	Token        string `json:"token" binding:"required"`
	AppID        string `json:"appId"`
	JWKS         string `json:"jwks"`
}

// RegisterTenant upserts a tenant credential from the platform's install
// webhook.
func (h *Handler) RegisterTenant(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred := &bridge.TenantCredential{
		SaleorAPIURL: req.SaleorAPIURL,
		Token:        req.Token,
		AppID:        req.AppID,
		JWKS:         req.JWKS,
	}
	if err := h.resolver.Credentials().Set(c.Request.Context(), cred); err != nil {
		h.log.Error("tenant register failed",
			zap.String("saleor_api_url", req.SaleorAPIURL), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}

	h.log.Info("tenant registered", zap.String("saleor_api_url", req.SaleorAPIURL))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type uninstallRequest struct {
	SaleorAPIURL string `json:"saleorApiUrl" binding:"required"`
}

// UninstallTenant removes a tenant credential. Removing an unknown tenant
// succeeds, so the platform can retry the webhook freely.
func (h *Handler) UninstallTenant(c *gin.Context) {
	var req uninstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.resolver.Credentials().Delete(c.Request.Context(), req.SaleorAPIURL); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// notificationParams extracts the flat signed parameter map from a JSON,
// form-encoded, or query-string delivery.
func (h *Handler) notificationParams(c *gin.Context) (map[string]string, error) {
	contentType := c.ContentType()

	if strings.Contains(contentType, "application/json") {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		return verify.ValidateJSONPayload(body)
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}
	// Form includes both body and query parameters.
	return verify.FlattenValues(c.Request.Form), nil
}

func (h *Handler) respondNotifyError(c *gin.Context, requestID string, err error) {
	switch {
	case errors.Is(err, bridge.ErrVerificationFailed):
		h.log.Warn("notification rejected",
			zap.String("request_id", requestID), zap.Error(err))
		c.String(http.StatusBadRequest, reconcile.RejectBody)
	case errors.Is(err, bridge.ErrIntegrityConflict):
		h.log.Error("notification integrity conflict",
			zap.String("request_id", requestID), zap.Error(err))
		c.String(http.StatusBadRequest, reconcile.RejectBody)
	case errors.Is(err, bridge.ErrStorageUnavailable), errors.Is(err, bridge.ErrTimeout):
		h.log.Error("storage unavailable during notification",
			zap.String("request_id", requestID), zap.Error(err))
		c.String(http.StatusInternalServerError, "error")
	default:
		h.log.Error("notification handling failed",
			zap.String("request_id", requestID), zap.Error(err))
		c.String(http.StatusInternalServerError, "error")
	}
}
