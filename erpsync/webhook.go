package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var ErrInvalidWebhook = errors.New("invalid tiny webhook payload")

// WebhookPayload is the body Tiny posts when an order changes.
type WebhookPayload struct {
	Versao string      `json:"versao"`
	Cnpj   string      `json:"cnpj"`
	Tipo   string      `json:"tipo"`
	Dados  WebhookData `json:"dados"`
}

type WebhookData struct {
	Id                 json.Number `json:"id" validate:"required"`
	Numero             string      `json:"numero"`
	Situacao           string      `json:"situacao" validate:"required"`
	CodigoRastreamento string      `json:"codigoRastreamento"`
	NomeTransportador  string      `json:"nomeTransportador"`
	IdNotaFiscal       json.Number `json:"idNotaFiscal"`
}

var (
	webhookValidate     *validator.Validate
	webhookValidateOnce sync.Once
)

func getWebhookValidator() *validator.Validate {
	webhookValidateOnce.Do(func() {
		webhookValidate = validator.New()
		webhookValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return webhookValidate
}

// Validate checks that the order id and status are present.
func (p WebhookPayload) Validate() error {
	d := p.Dados
	d.Id = json.Number(strings.TrimSpace(string(d.Id)))
	d.Situacao = strings.TrimSpace(d.Situacao)
	if err := getWebhookValidator().Struct(d); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, "dados."+fe.Field())
			}
			return fmt.Errorf("%w: missing %s", ErrInvalidWebhook, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return nil
}

func (p WebhookPayload) orderPayload() *tinyerp.OrderStatusPayload {
	return &tinyerp.OrderStatusPayload{
		Id:                 strings.TrimSpace(string(p.Dados.Id)),
		Numero:             p.Dados.Numero,
		Situacao:           strings.TrimSpace(p.Dados.Situacao),
		CodigoRastreamento: p.Dados.CodigoRastreamento,
		NomeTransportador:  p.Dados.NomeTransportador,
		IdNotaFiscal:       strings.TrimSpace(string(p.Dados.IdNotaFiscal)),
	}
}

// ProcessWebhook applies a pushed status change to the matching local order.
// It returns (nil, nil) when no local order carries the external id.
func (e *Engine) ProcessWebhook(ctx context.Context, payload WebhookPayload) (*models.Order, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	ctx = appctx.WithTrigger(ctx, models.SyncTriggeredWebhook)
	ctx, span := tracer.Start(ctx, "erpsync.ProcessWebhook")
	defer span.End()

	status := payload.orderPayload()
	span.SetAttributes(attribute.String("erp.order_id", status.Id), attribute.String("erp.status", status.Situacao))

	if _, err := MapStatus(status.Situacao); err != nil {
		return nil, err
	}
	if e.orders == nil {
		return nil, errors.New("erpsync: no order repository configured")
	}
	order, err := e.orders.FindByExternalId(ctx, status.Id)
	if errors.Is(err, models.ErrNotFound) {
		e.logger.WithFields(logrus.Fields{"module": "erpsync", "erp_order_id": status.Id}).Info("webhook for unknown order ignored")
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	cfg := e.ConfigFor(order.CompanyId)
	if !cfg.Enabled {
		return nil, nil
	}
	updated, err := e.applyPayload(ctx, *order, order.CompanyId, cfg, status)
	if err != nil {
		return nil, err
	}
	if err := e.orders.Save(ctx, updated); err != nil {
		config.LogError(e.logger, "erpsync", "ProcessWebhook", "save order", updated.ID, err)
		return nil, err
	}
	return updated, nil
}
