package erpsync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

// OrderFinder loads and stores single orders for the manual sync endpoint.
type OrderFinder interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	Save(ctx context.Context, order *models.Order) error
}

type Handlers struct {
	Engine     *Engine
	Dispatcher *Dispatcher
	Orders     OrderFinder
}

type ConfigResponse struct {
	Global    models.SyncConfig            `json:"global"`
	Companies map[string]models.SyncConfig `json:"companies"`
	Polling   bool                         `json:"polling"`
	Interval  string                       `json:"interval,omitempty"`
}

// ResolveCompanyID reads the company from the X-Company-Id header or the company_id query.
func ResolveCompanyID(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("X-Company-Id")); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query("company_id"))
}

func (h *Handlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e := h.Engine
		resp := ConfigResponse{
			Global:    e.GlobalConfig(),
			Companies: e.CompanyConfigs(),
		}
		if iv, ok := e.PollingInterval(); ok {
			resp.Polling = true
			resp.Interval = iv.String()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handlers) PutConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg models.SyncConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if cfg.IntervalMinutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "intervaloMinutos must not be negative"})
			return
		}
		if err := h.Engine.Configure(c.Request.Context(), cfg); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func (h *Handlers) GetCompanyConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId := c.Param("companyId")
		cfg, override := h.Engine.CompanyConfig(companyId)
		if !override {
			cfg = h.Engine.GlobalConfig()
		}
		c.JSON(http.StatusOK, gin.H{"config": cfg, "override": override})
	}
}

func (h *Handlers) PutCompanyConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg models.SyncConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if cfg.IntervalMinutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "intervaloMinutos must not be negative"})
			return
		}
		if err := h.Engine.ConfigureCompany(c.Request.Context(), c.Param("companyId"), cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// SyncOrderHandler syncs one order on demand and persists the result.
func (h *Handlers) SyncOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := appctx.WithTrigger(c.Request.Context(), models.SyncTriggeredManual)
		order, err := h.Orders.Get(ctx, c.Param("id"))
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		companyId := ResolveCompanyID(c)
		updated, err := h.Engine.SyncOrder(ctx, *order, companyId)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		if updated == nil {
			c.JSON(http.StatusOK, gin.H{"synced": false})
			return
		}
		if err := h.Orders.Save(ctx, updated); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"synced": true, "order": updated})
	}
}

func (h *Handlers) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := h.Dispatcher.Trigger(c.Request.Context(), ResolveCompanyID(c), models.SyncTriggeredManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID, "status": run.Status})
	}
}

func (h *Handlers) RunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		runs, err := h.Dispatcher.runs.Recent(c.Request.Context(), ResolveCompanyID(c), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": runs})
	}
}

func (h *Handlers) RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		ctx := c.Request.Context()
		run, err := h.Dispatcher.runs.Get(ctx, uint(id))
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		errs, err := h.Dispatcher.runs.Errors(ctx, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": run, "errors": errs})
	}
}

func (h *Handlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var entries []models.SyncHistoryEntry
		if orderId := strings.TrimSpace(c.Query("order_id")); orderId != "" {
			entries = h.Engine.History().ForOrder(orderId)
		} else {
			entries = h.Engine.History().Entries()
		}
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(entries) {
				entries = entries[:n]
			}
		}
		c.JSON(http.StatusOK, gin.H{"items": entries, "total": len(entries)})
	}
}

func (h *Handlers) ClearHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.Engine.History().Clear(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *Handlers) WebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload WebhookPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		order, err := h.Engine.ProcessWebhook(c.Request.Context(), payload)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		if order == nil {
			c.JSON(http.StatusOK, gin.H{"applied": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"applied": true, "order_id": order.ID, "status": order.Status})
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidWebhook):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnmappedStatus):
		return http.StatusUnprocessableEntity
	case tinyerp.IsKind(err, tinyerp.KindRateLimited):
		return http.StatusTooManyRequests
	case tinyerp.IsKind(err, tinyerp.KindTransport), tinyerp.IsKind(err, tinyerp.KindTransportBlocked):
		return http.StatusBadGateway
	case errors.Is(err, tinyerp.ErrNoCredentials):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
