// Package erpsync keeps local orders in step with their Tiny ERP counterparts.
package erpsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erp_integration/appctx"
	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("erpsync")

const pollLockKey = "lock:tiny-sync:poll"

// OrderRepository is the order persistence the engine needs for polling and webhooks.
type OrderRepository interface {
	ListAutoSync(ctx context.Context, companyId string) ([]models.Order, error)
	FindByExternalId(ctx context.Context, externalId string) (*models.Order, error)
	Save(ctx context.Context, order *models.Order) error
	SaveAll(ctx context.Context, orders []models.Order) error
}

type ConfigStore interface {
	Load(ctx context.Context) (models.SyncConfig, map[string]models.SyncConfig, error)
	Save(ctx context.Context, scope string, cfg models.SyncConfig) error
}

// CompanySyncSource supplies sync settings embedded in company records.
type CompanySyncSource interface {
	SyncConfigs(ctx context.Context, erpName string) (map[string]models.SyncConfig, error)
}

type Options struct {
	Transport  tinyerp.Transport
	Matcher    *ProductMatcher
	Notifier   notify.Notifier
	History    *HistoryLog
	Clock      Clock
	BatchDelay time.Duration
	Orders     OrderRepository
	Configs    ConfigStore
	Companies  CompanySyncSource
	Locker     *redislock.Client
	Logger     *logrus.Logger
}

type poller struct {
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

// Engine owns sync configuration, the polling timer and the history log.
// Build one per process and share it.
type Engine struct {
	transport  tinyerp.Transport
	matcher    *ProductMatcher
	notifier   notify.Notifier
	history    *HistoryLog
	clock      Clock
	batchDelay time.Duration
	orders     OrderRepository
	configs    ConfigStore
	companySrc CompanySyncSource
	locker     *redislock.Client
	logger     *logrus.Logger

	mu        sync.Mutex
	global    models.SyncConfig
	companies map[string]models.SyncConfig
	baseCtx   context.Context
	poller    *poller
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("erpsync: transport is required")
	}
	e := &Engine{
		transport:  opts.Transport,
		matcher:    opts.Matcher,
		notifier:   notify.NewSafe(opts.Notifier),
		history:    opts.History,
		clock:      opts.Clock,
		batchDelay: opts.BatchDelay,
		orders:     opts.Orders,
		configs:    opts.Configs,
		companySrc: opts.Companies,
		locker:     opts.Locker,
		logger:     opts.Logger,
		global:     models.DefaultSyncConfig(),
		companies:  make(map[string]models.SyncConfig),
		baseCtx:    context.Background(),
	}
	if e.clock == nil {
		e.clock = RealClock()
	}
	if e.history == nil {
		e.history = NewHistoryLog(DefaultHistoryLimit, nil)
	}
	if e.matcher == nil {
		e.matcher = NewProductMatcher(nil, e.clock, 0)
	}
	if e.logger == nil {
		e.logger = config.GetLogger()
	}
	return e, nil
}

func (e *Engine) History() *HistoryLog { return e.history }

// Start loads persisted configuration and starts polling when it is enabled.
// Polling goroutines live until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	if e.configs != nil {
		global, companies, err := e.configs.Load(ctx)
		if err != nil {
			return fmt.Errorf("load sync config: %w", err)
		}
		e.mu.Lock()
		e.global = global
		e.companies = companies
		if e.companies == nil {
			e.companies = make(map[string]models.SyncConfig)
		}
		e.mu.Unlock()
	}
	// Saved overrides win over the settings embedded in the company record.
	if e.companySrc != nil {
		embedded, err := e.companySrc.SyncConfigs(ctx, models.ERPNameTiny)
		if err != nil {
			return fmt.Errorf("load company sync config: %w", err)
		}
		e.mu.Lock()
		for id, cfg := range embedded {
			if _, ok := e.companies[id]; !ok {
				e.companies[id] = cfg
			}
		}
		e.mu.Unlock()
	}
	e.mu.Lock()
	e.reschedule(models.SyncConfig{})
	e.mu.Unlock()
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	p := e.poller
	e.poller = nil
	e.mu.Unlock()
	if p != nil {
		p.cancel()
		<-p.done
	}
}

// GlobalConfig returns the default configuration.
func (e *Engine) GlobalConfig() models.SyncConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.global
}

// CompanyConfig returns the company override, if any.
func (e *Engine) CompanyConfig(companyId string) (models.SyncConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.companies[companyId]
	return cfg, ok
}

func (e *Engine) CompanyConfigs() map[string]models.SyncConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.SyncConfig, len(e.companies))
	for id, cfg := range e.companies {
		out[id] = cfg
	}
	return out
}

// ConfigFor resolves the effective configuration: company override, else global.
func (e *Engine) ConfigFor(companyId string) models.SyncConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg, ok := e.companies[companyId]; ok && companyId != "" {
		return cfg
	}
	return e.global
}

func (e *Engine) Configure(ctx context.Context, cfg models.SyncConfig) error {
	if e.configs != nil {
		if err := e.configs.Save(ctx, models.SyncConfigScopeGlobal, cfg); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.global = cfg
	e.reschedule(cfg)
	return nil
}

func (e *Engine) ConfigureCompany(ctx context.Context, companyId string, cfg models.SyncConfig) error {
	if strings.TrimSpace(companyId) == "" {
		return errors.New("company id is required")
	}
	if e.configs != nil {
		if err := e.configs.Save(ctx, companyId, cfg); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.companies[companyId] = cfg
	e.reschedule(cfg)
	return nil
}

// PollingInterval reports the active timer interval, or false when polling is stopped.
func (e *Engine) PollingInterval() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poller == nil {
		return 0, false
	}
	return e.poller.interval, true
}

func pollingActive(cfg models.SyncConfig) bool {
	return cfg.Enabled && cfg.AutoSync
}

// reschedule keeps exactly one timer. The config just written decides the interval when it
// asks for polling; otherwise the shortest interval among the remaining active scopes wins.
// Caller holds e.mu.
func (e *Engine) reschedule(changed models.SyncConfig) {
	var interval time.Duration
	if pollingActive(changed) {
		interval = changed.Interval()
	} else {
		scopes := make([]models.SyncConfig, 0, len(e.companies)+1)
		scopes = append(scopes, e.global)
		for _, c := range e.companies {
			scopes = append(scopes, c)
		}
		for _, c := range scopes {
			if pollingActive(c) && (interval == 0 || c.Interval() < interval) {
				interval = c.Interval()
			}
		}
	}

	if e.poller != nil {
		if interval == e.poller.interval {
			return
		}
		e.poller.cancel()
		e.poller = nil
	}
	if interval == 0 {
		e.logger.WithField("module", "erpsync").Info("tiny polling stopped")
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	p := &poller{cancel: cancel, done: make(chan struct{}), interval: interval}
	e.poller = p
	ticker := e.clock.NewTicker(interval)
	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				e.PollOnce(appctx.WithTrigger(ctx, models.SyncTriggeredPolling))
			}
		}
	}()
	e.logger.WithFields(logrus.Fields{"module": "erpsync", "interval": interval.String()}).Info("tiny polling started")
}

// PollOnce runs one bulk sync over every auto-sync order and persists the results.
// With a redis lock client only one replica runs a given tick.
func (e *Engine) PollOnce(ctx context.Context) {
	if e.orders == nil {
		return
	}
	if e.locker != nil {
		ttl := 30 * time.Second
		if iv, ok := e.PollingInterval(); ok && iv/2 > ttl {
			ttl = iv / 2
		}
		lock, err := e.locker.Obtain(ctx, pollLockKey, ttl, nil)
		if err == redislock.ErrNotObtained {
			e.logger.WithField("module", "erpsync").Debug("poll tick skipped: another replica holds the lock")
			return
		} else if err != nil {
			e.logger.WithField("module", "erpsync").Warn("error obtaining poll lock; proceeding without lock: " + err.Error())
		} else {
			defer func() {
				if releaseErr := lock.Release(context.Background()); releaseErr != nil {
					e.logger.WithField("module", "erpsync").Warn("failed to release poll lock: " + releaseErr.Error())
				}
			}()
		}
	}

	orders, err := e.orders.ListAutoSync(ctx, "")
	if err != nil {
		config.LogError(e.logger, "erpsync", "PollOnce", "list auto-sync orders", nil, err)
		return
	}
	if _, err := e.SyncAllAndSave(ctx, orders); err != nil {
		config.LogError(e.logger, "erpsync", "PollOnce", "bulk sync", nil, err)
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeNotFound
	outcomeSynced
)

// SyncOrder fetches the current ERP state of one order and returns an updated copy.
// It returns (nil, nil) when the order is not linked, mock-linked, sync is disabled
// for its company, or Tiny does not know the order.
func (e *Engine) SyncOrder(ctx context.Context, order models.Order, companyId string) (*models.Order, error) {
	_, updated, err := e.syncOne(ctx, order, companyId)
	return updated, err
}

func (e *Engine) syncOne(ctx context.Context, order models.Order, companyId string) (outcome, *models.Order, error) {
	if !order.ERP.IsLinked() || order.ERP.IsMockLinked() {
		return outcomeSkipped, nil, nil
	}
	if companyId == "" {
		companyId = order.CompanyId
	}
	cfg := e.ConfigFor(companyId)
	if !cfg.Enabled {
		return outcomeSkipped, nil, nil
	}

	ctx, span := tracer.Start(ctx, "erpsync.SyncOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("erp.order_id", order.ERP.ExternalOrderId),
		attribute.String("company.id", companyId),
	)

	payload, err := e.transport.GetOrder(ctx, companyId, order.ERP.ExternalOrderId)
	if err != nil {
		if tinyerp.IsKind(err, tinyerp.KindNotFound) {
			span.SetAttributes(attribute.Bool("erp.not_found", true))
			return outcomeNotFound, nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.recordFailure(ctx, order, companyId, err)
		return outcomeSkipped, nil, fmt.Errorf("sync order %s: %w", order.ID, err)
	}

	updated, err := e.applyPayload(ctx, order, companyId, cfg, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcomeSkipped, nil, err
	}
	return outcomeSynced, updated, nil
}

// applyPayload is shared by polling/manual sync and webhooks.
func (e *Engine) applyPayload(ctx context.Context, order models.Order, companyId string, cfg models.SyncConfig, payload *tinyerp.OrderStatusPayload) (*models.Order, error) {
	newStatus, err := MapStatus(payload.Situacao)
	if err != nil {
		e.recordFailure(ctx, order, companyId, err)
		return nil, fmt.Errorf("sync order %s: %w", order.ID, err)
	}

	now := e.clock.Now()
	updated := order.Clone()
	changed := order.Status != newStatus || order.ERP.ExternalStatus != payload.Situacao

	if changed {
		tr := updated.RecordStatusTransition(newStatus, payload.Situacao, now)
		if cfg.SyncAdditionalData {
			updated.ERP.RecordTracking(payload.Numero, payload.CodigoRastreamento, payload.NomeTransportador)
		}
		e.history.Append(ctx, e.transitionEntry(ctx, updated, companyId, tr, now))
		if cfg.NotifyChanges {
			msg := fmt.Sprintf("Pedido %s: %s -> %s", displayNumber(updated), tr.PreviousStatus, tr.NewStatus)
			_ = e.notifier.Notify(appctx.WithCompanyId(ctx, companyId), msg, SeverityFor(newStatus))
		}
	} else {
		updated.ERP.RecordSync(payload.Situacao, now)
	}

	if e.needsInvoice(order, cfg, changed, payload) {
		e.attachInvoice(ctx, &updated, companyId, payload)
	}
	return &updated, nil
}

// needsInvoice refreshes invoice data on a change (when additional data is on) and
// always backfills it when the order still lacks an invoice id.
func (e *Engine) needsInvoice(order models.Order, cfg models.SyncConfig, changed bool, payload *tinyerp.OrderStatusPayload) bool {
	if !payload.HasInvoice() {
		return false
	}
	if !order.ERP.HasInvoice() {
		return true
	}
	return changed && cfg.SyncAdditionalData && order.ERP.InvoiceId != payload.IdNotaFiscal
}

func (e *Engine) attachInvoice(ctx context.Context, order *models.Order, companyId string, payload *tinyerp.OrderStatusPayload) {
	inv, err := e.transport.GetInvoice(ctx, companyId, payload.IdNotaFiscal)
	if err != nil {
		// Leave the invoice unlinked so the next sync retries the backfill.
		e.logger.WithFields(logrus.Fields{
			"module":       "erpsync",
			"order_id":     order.ID,
			"erp_order_id": order.ERP.ExternalOrderId,
			"invoice_id":   payload.IdNotaFiscal,
		}).Warn("invoice fetch failed: " + err.Error())
		return
	}

	lines := inv.Itens
	if len(lines) == 0 {
		lines = payload.Itens
	}
	items, ambiguous := e.matcher.ResolveItems(ctx, lines)
	total := inv.Total
	if total.IsZero() {
		for _, it := range items {
			total = total.Add(it.Total)
		}
	}
	order.AttachInvoice(models.InvoiceLink{
		Id:     payload.IdNotaFiscal,
		Number: inv.Numero,
		Key:    inv.Chave,
		Series: inv.Serie,
	}, items, total, inv.Desconto)

	e.logger.WithFields(logrus.Fields{
		"module":          "erpsync",
		"order_id":        order.ID,
		"invoice_id":      payload.IdNotaFiscal,
		"items":           len(items),
		"ambiguous_items": ambiguous,
	}).Info("invoice attached")
}

func (e *Engine) transitionEntry(ctx context.Context, order models.Order, companyId string, tr models.StatusTransition, at time.Time) models.SyncHistoryEntry {
	return models.SyncHistoryEntry{
		ID:                uuid.NewString(),
		OrderId:           order.ID,
		CompanyId:         companyId,
		Timestamp:         at,
		PreviousStatus:    tr.PreviousStatus,
		NewStatus:         tr.NewStatus,
		PreviousERPStatus: tr.PreviousERPStatus,
		NewERPStatus:      tr.NewERPStatus,
		Success:           true,
		Message:           fmt.Sprintf("%s -> %s", tr.PreviousStatus, tr.NewStatus),
		Details: map[string]any{
			"erp_pedido_id": order.ERP.ExternalOrderId,
			"trigger":       appctx.Trigger(ctx),
		},
	}
}

func (e *Engine) recordFailure(ctx context.Context, order models.Order, companyId string, err error) {
	details := map[string]any{"erp_pedido_id": order.ERP.ExternalOrderId}
	if k := kindName(err); k != "" {
		details["kind"] = k
	}
	if t := appctx.Trigger(ctx); t != "" {
		details["trigger"] = t
	}
	e.history.Append(ctx, models.SyncHistoryEntry{
		ID:                uuid.NewString(),
		OrderId:           order.ID,
		CompanyId:         companyId,
		Timestamp:         e.clock.Now(),
		PreviousStatus:    order.Status,
		NewStatus:         order.Status,
		PreviousERPStatus: order.ERP.ExternalStatus,
		NewERPStatus:      order.ERP.ExternalStatus,
		Success:           false,
		Message:           err.Error(),
		Details:           details,
	})
}

func kindName(err error) string {
	if k := tinyerp.KindOf(err); k != 0 {
		return k.String()
	}
	return ""
}

func displayNumber(o models.Order) string {
	if o.Number != "" {
		return o.Number
	}
	return o.ID
}

// Eligible reports whether bulk sync should consider the order.
func Eligible(o models.Order) bool {
	return o.ERP.AutoSync &&
		o.Status != models.OrderStatusDraft &&
		o.Status != models.OrderStatusCancelled &&
		o.ERP.IsLinked() &&
		!o.ERP.IsMockLinked()
}

type OrderFailure struct {
	OrderId string `json:"order_id"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error"`
}

type BatchResult struct {
	Total     int            `json:"total"`
	Synced    int            `json:"synced"`
	NotFound  int            `json:"not_found"`
	Skipped   int            `json:"skipped"`
	Errors    int            `json:"errors"`
	Remaining int            `json:"remaining"`
	Updated   []models.Order `json:"-"`
	Failures  []OrderFailure `json:"failures,omitempty"`
}

// BatchAbortedError is returned when Tiny rate-limits a bulk sync. Result holds
// the orders synced before the abort; Result.Remaining counts the ones never tried.
type BatchAbortedError struct {
	Result *BatchResult
	Err    error
}

func (e *BatchAbortedError) Error() string {
	return fmt.Sprintf("bulk sync aborted with %d orders remaining: %v", e.Result.Remaining, e.Err)
}

func (e *BatchAbortedError) Unwrap() error { return e.Err }

// SyncAll syncs eligible orders one at a time with a fixed delay between requests.
// A rate-limit error stops the batch immediately.
func (e *Engine) SyncAll(ctx context.Context, orders []models.Order) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "erpsync.SyncAll")
	defer span.End()

	eligible := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if Eligible(o) {
			eligible = append(eligible, o)
		}
	}
	res := &BatchResult{Total: len(eligible)}
	span.SetAttributes(attribute.Int("batch.total", res.Total), attribute.Int("batch.input", len(orders)))

	for i, o := range eligible {
		if i > 0 {
			if err := e.clock.Sleep(ctx, e.batchDelay); err != nil {
				res.Remaining = len(eligible) - i
				return res, err
			}
		}
		out, updated, err := e.syncOne(ctx, o, o.CompanyId)
		if err != nil {
			res.Errors++
			res.Failures = append(res.Failures, OrderFailure{OrderId: o.ID, Kind: kindName(err), Error: err.Error()})
			if tinyerp.IsKind(err, tinyerp.KindRateLimited) {
				res.Remaining = len(eligible) - i - 1
				span.SetStatus(codes.Error, "rate limited")
				e.logger.WithFields(logrus.Fields{
					"module":    "erpsync",
					"order_id":  o.ID,
					"remaining": res.Remaining,
				}).Warn("tiny rate limit reached, aborting bulk sync")
				return res, &BatchAbortedError{Result: res, Err: err}
			}
			continue
		}
		switch out {
		case outcomeSynced:
			res.Synced++
			res.Updated = append(res.Updated, *updated)
		case outcomeNotFound:
			res.NotFound++
		default:
			res.Skipped++
		}
	}
	span.SetAttributes(attribute.Int("batch.synced", res.Synced), attribute.Int("batch.errors", res.Errors))
	return res, nil
}

// SyncAllAndSave runs SyncAll and persists every updated order, including the
// partial result of an aborted batch.
func (e *Engine) SyncAllAndSave(ctx context.Context, orders []models.Order) (*BatchResult, error) {
	res, err := e.SyncAll(ctx, orders)
	if res != nil && len(res.Updated) > 0 && e.orders != nil {
		if saveErr := e.orders.SaveAll(ctx, res.Updated); saveErr != nil {
			if err == nil {
				err = saveErr
			}
			config.LogError(e.logger, "erpsync", "SyncAllAndSave", "persist synced orders", len(res.Updated), saveErr)
		}
	}
	if res != nil {
		e.logger.WithFields(logrus.Fields{
			"module":    "erpsync",
			"trigger":   appctx.Trigger(ctx),
			"total":     res.Total,
			"synced":    res.Synced,
			"not_found": res.NotFound,
			"errors":    res.Errors,
			"remaining": res.Remaining,
		}).Info("bulk sync finished")
	}
	return res, err
}
