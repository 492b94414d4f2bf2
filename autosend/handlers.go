package autosend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

type OrderGetter interface {
	Get(ctx context.Context, id string) (*models.Order, error)
}

type CompanyGetter interface {
	Get(ctx context.Context, id string) (*models.Company, error)
}

type Handlers struct {
	Orchestrator *Orchestrator
	Orders       OrderGetter
	Companies    CompanyGetter
}

func erpNameFrom(c *gin.Context) string {
	if v := strings.TrimSpace(c.Query("erp")); v != "" {
		return v
	}
	return models.ERPNameTiny
}

func (h *Handlers) load(c *gin.Context) (*models.Order, *models.Company, bool) {
	ctx := c.Request.Context()
	order, err := h.Orders.Get(ctx, c.Param("id"))
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return nil, nil, false
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	company, err := h.Companies.Get(ctx, order.CompanyId)
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNotConfigured.Error()})
		return nil, nil, false
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return order, company, true
}

// SendHandler makes a single synchronous attempt.
func (h *Handlers) SendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, company, ok := h.load(c)
		if !ok {
			return
		}
		if order.ERP.IsLocked() {
			c.JSON(http.StatusConflict, gin.H{"error": LockMessage(*order)})
			return
		}
		res, err := h.Orchestrator.Send(c.Request.Context(), *order, company, erpNameFrom(c))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// AutoSendHandler validates synchronously, then runs the retry loop in the background
// because retries wait minutes between attempts.
func (h *Handlers) AutoSendHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, company, ok := h.load(c)
		if !ok {
			return
		}
		erpName := erpNameFrom(c)
		if order.ERP.IsLocked() {
			c.JSON(http.StatusConflict, gin.H{"error": LockMessage(*order)})
			return
		}
		if !IsEnabled(company, erpName) {
			c.JSON(http.StatusConflict, gin.H{"error": "envio automático desabilitado para esta empresa"})
			return
		}
		if _, err := h.Orchestrator.prepare(c.Request.Context(), *order, company, erpName); err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}

		bg := appctx.WithCorrelationId(context.Background(), appctx.CorrelationId(c.Request.Context()))
		go func(order models.Order) {
			if _, err := h.Orchestrator.SendWithRetry(bg, order, company, erpName); err != nil {
				config.LogError(h.Orchestrator.logger, "autosend", "AutoSendHandler", "send with retry", order.ID, err)
			}
		}(*order)
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "order_id": order.ID})
	}
}

func (h *Handlers) EditableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.Orders.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"editable": CanEdit(*order), "message": LockMessage(*order)})
	}
}

func (h *Handlers) AnalyzeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.Orders.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, h.Orchestrator.AnalyzeOrder(c.Request.Context(), *order, order.CompanyId))
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, tinyerp.ErrDraftOrder):
		return http.StatusConflict
	case tinyerp.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrMissingToken), errors.Is(err, tinyerp.ErrNoCredentials),
		errors.Is(err, ErrDuplicateUnlinked):
		return http.StatusConflict
	case errors.Is(err, ErrTransportBlocked):
		return http.StatusBadGateway
	case tinyerp.IsKind(err, tinyerp.KindRateLimited):
		return http.StatusTooManyRequests
	case tinyerp.IsKind(err, tinyerp.KindApplication):
		return http.StatusUnprocessableEntity
	case tinyerp.KindOf(err) != 0:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
