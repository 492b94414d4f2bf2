// Package autosend transmits confirmed orders to the ERP, with retries and dependent-record registration.
package autosend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/erpsync"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("autosend")

var (
	ErrNotConfigured = errors.New("erp integration is not configured or inactive for this company")
	ErrMissingToken  = errors.New("erp api token is not configured")
	// ErrTransportBlocked means the ERP cannot be reached from this runtime at all;
	// the request has to go through the backend proxy instead.
	ErrTransportBlocked = errors.New("erp unreachable from this context, route the request through the backend proxy")
	// ErrDuplicateUnlinked means the ERP says the order already exists but did not return its id.
	ErrDuplicateUnlinked = errors.New("erp reports the order already exists but returned no id; link it manually")
)

// DependentSettleDelay is how long the ERP needs before a freshly registered customer or product can be referenced.
const DependentSettleDelay = 2 * time.Second

type CustomerGetter interface {
	Get(ctx context.Context, id string) (*models.Customer, error)
}

type OrderSaver interface {
	Save(ctx context.Context, order *models.Order) error
}

type Options struct {
	Transport tinyerp.Transport
	Customers CustomerGetter
	Products  erpsync.ProductCatalog
	Orders    OrderSaver
	Notifier  notify.Notifier
	Matcher   *erpsync.ProductMatcher
	Clock     erpsync.Clock
	Logger    *logrus.Logger
}

// Orchestrator sends orders to the ERP. It is safe for concurrent use.
type Orchestrator struct {
	transport tinyerp.Transport
	customers CustomerGetter
	products  erpsync.ProductCatalog
	orders    OrderSaver
	notifier  notify.Notifier
	matcher   *erpsync.ProductMatcher
	clock     erpsync.Clock
	logger    *logrus.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Transport == nil {
		return nil, errors.New("autosend: transport is required")
	}
	o := &Orchestrator{
		transport: opts.Transport,
		customers: opts.Customers,
		products:  opts.Products,
		orders:    opts.Orders,
		notifier:  notify.NewSafe(opts.Notifier),
		matcher:   opts.Matcher,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if o.clock == nil {
		o.clock = erpsync.RealClock()
	}
	if o.logger == nil {
		o.logger = config.GetLogger()
	}
	if o.matcher == nil {
		o.matcher = erpsync.NewProductMatcher(o.products, o.clock, 0)
	}
	return o, nil
}

// GetConfig returns the company's integration settings for erpName.
// Missing or malformed integration data reads as "not configured".
func GetConfig(company *models.Company, erpName string) (models.ERPIntegrationConfig, bool) {
	if company == nil {
		return models.ERPIntegrationConfig{}, false
	}
	return company.Integration(erpName)
}

// IsEnabled reports whether automatic sending is switched on for erpName.
func IsEnabled(company *models.Company, erpName string) bool {
	cfg, ok := GetConfig(company, erpName)
	return ok && cfg.Active && cfg.AutoSend != nil && cfg.AutoSend.Enabled
}

// SendResult describes an accepted submission.
type SendResult struct {
	ExternalId     string        `json:"erp_pedido_id"`
	ExternalNumber string        `json:"erp_numero"`
	SubmissionNo   string        `json:"numero_envio"`
	Attempts       int           `json:"attempts"`
	Duplicate      bool          `json:"duplicate"`
	Order          *models.Order `json:"order,omitempty"`
}

type sendPlan struct {
	integration models.ERPIntegrationConfig
	policy      models.AutoSendConfig
	customer    *models.Customer
}

// prepare checks every precondition that does not need the network.
func (o *Orchestrator) prepare(ctx context.Context, order models.Order, company *models.Company, erpName string) (*sendPlan, error) {
	if order.IsDraft() {
		return nil, tinyerp.ErrDraftOrder
	}
	cfg, ok := GetConfig(company, erpName)
	if !ok || !cfg.Active {
		return nil, fmt.Errorf("%w (%s)", ErrNotConfigured, erpName)
	}
	if strings.TrimSpace(cfg.ApiToken) == "" {
		return nil, ErrMissingToken
	}
	if err := tinyerp.ValidateOrder(order); err != nil {
		return nil, err
	}

	plan := &sendPlan{integration: cfg, policy: models.AutoSendConfig{}.Normalized()}
	if cfg.AutoSend != nil {
		plan.policy = cfg.AutoSend.Normalized()
	}
	if o.customers != nil && order.CustomerId != "" {
		customer, err := o.customers.Get(ctx, order.CustomerId)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("load customer: %w", err)
		}
		plan.customer = customer
	}
	return plan, nil
}

// SendWithRetry submits the order, retrying ordinary failures up to the configured attempt
// budget. Drafts, missing configuration, validation failures and a blocked transport fail
// without consuming further attempts.
func (o *Orchestrator) SendWithRetry(ctx context.Context, order models.Order, company *models.Company, erpName string) (*SendResult, error) {
	plan, err := o.prepare(ctx, order, company, erpName)
	if err != nil {
		o.notifyFailure(ctx, order, err)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "autosend.SendWithRetry")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int("autosend.max_attempts", plan.policy.MaxAttempts))

	interval := time.Duration(plan.policy.RetryIntervalMinutes) * time.Minute
	var lastErr error
	for attempt := 1; attempt <= plan.policy.MaxAttempts; attempt++ {
		res, err := o.attempt(ctx, order, company.ID, plan)
		if err == nil {
			res.Attempts = attempt
			return o.accept(ctx, order, res)
		}
		lastErr = err

		log := o.logger.WithFields(logrus.Fields{
			"module":   "autosend",
			"order_id": order.ID,
			"attempt":  attempt,
		})
		if tinyerp.IsKind(err, tinyerp.KindTransportBlocked) {
			log.Warn("erp transport blocked, not retrying: " + err.Error())
			lastErr = fmt.Errorf("%w: %v", ErrTransportBlocked, err)
			break
		}
		if !retryable(err) {
			log.Warn("send failed permanently: " + err.Error())
			break
		}
		if attempt == plan.policy.MaxAttempts {
			log.Warn("send failed on final attempt: " + err.Error())
			break
		}
		log.WithField("retry_in", interval.String()).Warn("send failed, retrying: " + err.Error())
		if err := o.clock.Sleep(ctx, interval); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	o.reject(ctx, order, lastErr)
	return nil, lastErr
}

// Send makes exactly one attempt. Used for user-triggered sends.
func (o *Orchestrator) Send(ctx context.Context, order models.Order, company *models.Company, erpName string) (*SendResult, error) {
	plan, err := o.prepare(ctx, order, company, erpName)
	if err != nil {
		o.notifyFailure(ctx, order, err)
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "autosend.Send")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID))

	res, err := o.attempt(ctx, order, company.ID, plan)
	if err != nil {
		if tinyerp.IsKind(err, tinyerp.KindTransportBlocked) {
			err = fmt.Errorf("%w: %v", ErrTransportBlocked, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.reject(ctx, order, err)
		return nil, err
	}
	res.Attempts = 1
	return o.accept(ctx, order, res)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, tinyerp.ErrDraftOrder), tinyerp.IsValidationError(err), errors.Is(err, tinyerp.ErrNoCredentials):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// attempt submits once. When the ERP rejects the order because the customer or a product
// is not registered, it registers the missing record, waits for the ERP to settle and
// resubmits a single time.
func (o *Orchestrator) attempt(ctx context.Context, order models.Order, companyId string, plan *sendPlan) (*SendResult, error) {
	sub, res, err := o.submit(ctx, order, companyId, plan)
	if err == nil {
		return toSendResult(sub, res), nil
	}
	missing := tinyerp.MissingEntity(err)
	if missing == "" {
		return nil, err
	}
	if regErr := o.registerMissing(ctx, order, companyId, plan, missing); regErr != nil {
		return nil, fmt.Errorf("register missing %s: %w", missing, regErr)
	}
	if err := o.clock.Sleep(ctx, DependentSettleDelay); err != nil {
		return nil, err
	}
	sub, res, err = o.submit(ctx, order, companyId, plan)
	if err != nil {
		return nil, err
	}
	return toSendResult(sub, res), nil
}

func (o *Orchestrator) submit(ctx context.Context, order models.Order, companyId string, plan *sendPlan) (*tinyerp.Submission, *tinyerp.CreateOrderResult, error) {
	sub, err := tinyerp.BuildSubmission(order, plan.customer, tinyerp.BuildOptions{
		OperationNature: plan.integration.OperationNature,
		Now:             o.clock.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	res, err := o.transport.CreateOrder(ctx, companyId, sub)
	if err != nil {
		return nil, nil, err
	}
	return sub, res, nil
}

func toSendResult(sub *tinyerp.Submission, res *tinyerp.CreateOrderResult) *SendResult {
	number := res.Numero
	if number == "" {
		number = sub.Numero
	}
	return &SendResult{
		ExternalId:     res.Id,
		ExternalNumber: number,
		SubmissionNo:   sub.Numero,
		Duplicate:      res.Duplicate,
	}
}

func (o *Orchestrator) registerMissing(ctx context.Context, order models.Order, companyId string, plan *sendPlan, entity tinyerp.Entity) error {
	log := o.logger.WithFields(logrus.Fields{"module": "autosend", "order_id": order.ID, "entity": string(entity)})
	switch entity {
	case tinyerp.EntityCustomer:
		res, err := o.transport.CreateCustomer(ctx, companyId, tinyerp.CustomerDataFrom(order, plan.customer))
		if err != nil {
			return err
		}
		log.WithField("erp_id", res.Id).Info("customer registered in erp")
	case tinyerp.EntityProduct:
		var catalog []models.Product
		if o.products != nil {
			list, err := o.products.ListProducts(ctx)
			if err != nil {
				log.Warn("product catalog unavailable, registering from order lines: " + err.Error())
			}
			catalog = list
		}
		for _, data := range productsFor(order, catalog) {
			res, err := o.transport.CreateProduct(ctx, companyId, data)
			if err != nil {
				return fmt.Errorf("product %s: %w", data.Codigo, err)
			}
			log.WithFields(logrus.Fields{"sku": data.Codigo, "erp_id": res.Id, "duplicate": res.Duplicate}).Info("product registered in erp")
		}
	default:
		return fmt.Errorf("unsupported dependent entity %q", entity)
	}
	return nil
}

// productsFor builds one product record per distinct SKU of the order.
func productsFor(order models.Order, catalog []models.Product) []tinyerp.ProductData {
	seen := map[string]bool{}
	var out []tinyerp.ProductData
	for _, it := range order.Items {
		sku := strings.TrimSpace(it.Sku)
		if sku == "" || seen[strings.ToLower(sku)] {
			continue
		}
		seen[strings.ToLower(sku)] = true
		data := tinyerp.ProductData{
			Codigo:  sku,
			Nome:    strings.TrimSpace(it.Description),
			Unidade: it.Unit,
			Preco:   it.UnitPrice,
		}
		for _, p := range catalog {
			if (it.ProductId != "" && p.ID == it.ProductId) || strings.EqualFold(strings.TrimSpace(p.Sku), sku) {
				data.Gtin = p.Ean
				if p.Unit != "" && data.Unidade == "" {
					data.Unidade = p.Unit
				}
				if data.Nome == "" {
					data.Nome = p.Name
				}
				break
			}
		}
		out = append(out, data)
	}
	return out
}

func (o *Orchestrator) accept(ctx context.Context, order models.Order, res *SendResult) (*SendResult, error) {
	if strings.TrimSpace(res.ExternalId) == "" {
		return o.acceptUnlinked(ctx, order, res)
	}
	updated := order.Clone()
	updated.ERP.RecordSubmission(res.ExternalId, res.ExternalNumber, o.clock.Now())
	updated.ERP.AutoSync = true
	res.Order = &updated

	log := o.logger.WithFields(logrus.Fields{
		"module":       "autosend",
		"order_id":     order.ID,
		"erp_order_id": res.ExternalId,
		"attempts":     res.Attempts,
		"duplicate":    res.Duplicate,
	})
	if res.Duplicate {
		log.Warn("erp reported the order as already submitted; treating as accepted")
	} else {
		log.Info("order sent to erp")
	}

	if o.orders != nil {
		if err := o.orders.Save(ctx, &updated); err != nil {
			config.LogError(o.logger, "autosend", "accept", "save sent order", order.ID, err)
			return res, err
		}
	}
	msg := fmt.Sprintf("Pedido %s enviado ao ERP (ID %s)", displayNumber(order), res.ExternalId)
	_ = o.notifier.Notify(appctx.WithCompanyId(ctx, order.CompanyId), msg, notify.SeveritySuccess)
	return res, nil
}

// acceptUnlinked handles an acknowledged submission without an ERP id. The order keeps its
// current linkage, so it is neither locked nor picked up by the sync engine.
func (o *Orchestrator) acceptUnlinked(ctx context.Context, order models.Order, res *SendResult) (*SendResult, error) {
	updated := order.Clone()
	updated.ERP.RecordUnconfirmedSubmission(res.SubmissionNo, ErrDuplicateUnlinked.Error(), o.clock.Now())
	res.ExternalNumber = res.SubmissionNo
	res.Order = &updated

	o.logger.WithFields(logrus.Fields{
		"module":       "autosend",
		"order_id":     order.ID,
		"numero_envio": res.SubmissionNo,
		"attempts":     res.Attempts,
		"duplicate":    res.Duplicate,
	}).Warn("erp acknowledged the order without an id; leaving it unlinked")

	if o.orders != nil {
		if err := o.orders.Save(ctx, &updated); err != nil {
			config.LogError(o.logger, "autosend", "acceptUnlinked", "save unlinked order", order.ID, err)
			return res, err
		}
	}
	msg := fmt.Sprintf("Pedido %s já existe no ERP, mas o ID não foi retornado. Vincule o pedido manualmente.", displayNumber(order))
	_ = o.notifier.Notify(appctx.WithCompanyId(ctx, order.CompanyId), msg, notify.SeverityWarning)
	return res, ErrDuplicateUnlinked
}

func (o *Orchestrator) reject(ctx context.Context, order models.Order, cause error) {
	if errors.Is(cause, tinyerp.ErrDraftOrder) {
		return
	}
	if o.orders != nil {
		updated := order.Clone()
		updated.ERP.RecordFailure(cause.Error(), o.clock.Now())
		if err := o.orders.Save(ctx, &updated); err != nil {
			config.LogError(o.logger, "autosend", "reject", "save failed order", order.ID, err)
		}
	}
	o.notifyFailure(ctx, order, cause)
}

// notifyFailure reports a terminal send failure. Drafts are never reported.
func (o *Orchestrator) notifyFailure(ctx context.Context, order models.Order, cause error) {
	if errors.Is(cause, tinyerp.ErrDraftOrder) {
		return
	}
	msg := fmt.Sprintf("Falha ao enviar pedido %s ao ERP: %v", displayNumber(order), cause)
	_ = o.notifier.Notify(appctx.WithCompanyId(ctx, order.CompanyId), msg, notify.SeverityError)
}

func displayNumber(o models.Order) string {
	if o.Number != "" {
		return o.Number
	}
	return o.ID
}

// CanEdit reports whether the order may still be changed locally.
// With TINY_STRICT_ERP_LOCK=false only invoiced orders are locked.
func CanEdit(order models.Order) bool {
	if !order.ERP.IsLocked() {
		return true
	}
	if config.StrictERPLock() {
		return false
	}
	return !order.ERP.HasInvoice()
}

// LockMessage explains why an order is read-only, or returns "" when it is editable.
func LockMessage(order models.Order) string {
	if CanEdit(order) {
		return ""
	}
	if order.ERP.HasInvoice() {
		return fmt.Sprintf("Pedido faturado no ERP (nota fiscal %s). Alterações devem ser feitas no ERP.", order.ERP.InvoiceNumber)
	}
	return fmt.Sprintf("Pedido já enviado ao ERP (ID %s). Alterações devem ser feitas no ERP.", order.ERP.ExternalOrderId)
}
