package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusDraft             OrderStatus = "Rascunho"
	OrderStatusOpen              OrderStatus = "Em aberto"
	OrderStatusInReview          OrderStatus = "Em Análise"
	OrderStatusApproved          OrderStatus = "Aprovado"
	OrderStatusPreparingShipment OrderStatus = "Preparando Envio"
	OrderStatusInvoiced          OrderStatus = "Faturado"
	OrderStatusReadyToShip       OrderStatus = "Pronto para Envio"
	OrderStatusShipped           OrderStatus = "Enviado"
	OrderStatusDelivered         OrderStatus = "Entregue"
	OrderStatusNotDelivered      OrderStatus = "Não Entregue"
	OrderStatusCancelled         OrderStatus = "Cancelado"
)

// MockOrderIdPrefix marks external ids fabricated locally for orders that never reached the ERP.
const MockOrderIdPrefix = "mock_"

type Order struct {
	ID                        string          `gorm:"primary_key;size:64" json:"id"`
	Number                    string          `gorm:"size:64;index" json:"number"`
	Status                    OrderStatus     `gorm:"size:32;not null;index" json:"status"`
	CompanyId                 string          `gorm:"size:64;index" json:"company_id"`
	CustomerId                string          `gorm:"size:64;index" json:"customer_id"`
	CustomerName              string          `gorm:"size:255" json:"customer_name"`
	CustomerTaxId             string          `gorm:"size:32" json:"customer_tax_id"`
	CustomerStateRegistration string          `gorm:"size:32" json:"customer_state_registration"`
	PurchaseOrderRef          string          `gorm:"size:64" json:"purchase_order_ref"`
	Notes                     string          `gorm:"type:text" json:"notes"`
	Subtotal                  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	Discount                  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Total                     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	Items                     []OrderItem     `gorm:"foreignKey:OrderId" json:"items"`
	InvoicedItems             []InvoicedItem  `gorm:"serializer:json" json:"invoiced_items"`
	InvoicedTotal             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"invoiced_total"`
	InvoicedDiscount          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"invoiced_discount"`
	ERP                       ERPRecord       `gorm:"embedded;embeddedPrefix:erp_" json:"erp"`
	CreatedAt                 time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderItem struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	OrderId     string          `gorm:"size:64;index;not null" json:"order_id"`
	ProductId   string          `gorm:"size:64" json:"product_id"`
	Sku         string          `gorm:"size:64" json:"sku"`
	Description string          `gorm:"size:255" json:"description"`
	Unit        string          `gorm:"size:8" json:"unit"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
}

// InvoicedItem is an invoice line as issued by the ERP, resolved against the local catalog when possible.
type InvoicedItem struct {
	ProductId   string          `json:"product_id,omitempty"`
	Sku         string          `json:"sku"`
	Ean         string          `json:"ean"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	MatchedBy   string          `json:"matched_by,omitempty"`
}

// ERPRecord is the integration state of an order towards the ERP.
// It is only changed through its Record*/Attach* methods.
type ERPRecord struct {
	ExternalOrderId string     `gorm:"size:64;index" json:"erp_pedido_id"`
	ExternalNumber  string     `gorm:"size:64" json:"erp_numero"`
	ExternalStatus  string     `gorm:"size:64" json:"erp_status"`
	SentAt          *time.Time `json:"data_envio"`
	SyncedAt        *time.Time `json:"data_sincronizacao"`
	SyncAttempts    int        `gorm:"default:0" json:"tentativas_sincronizacao"`
	SyncError       string     `gorm:"type:text" json:"erro_sincronizacao"`
	AutoSync        bool       `gorm:"default:false;index" json:"sincronizacao_automatica"`
	InvoiceId       string     `gorm:"size:64" json:"nota_fiscal_id"`
	InvoiceNumber   string     `gorm:"size:64" json:"nota_fiscal_numero"`
	InvoiceKey      string     `gorm:"size:64" json:"nota_fiscal_chave"`
	InvoiceSeries   string     `gorm:"size:16" json:"nota_fiscal_serie"`
	TrackingCode    string     `gorm:"size:128" json:"codigo_rastreio"`
	CarrierName     string     `gorm:"size:255" json:"transportadora_nome"`
}

type InvoiceLink struct {
	Id     string
	Number string
	Key    string
	Series string
}

// StatusTransition describes one observed change of internal and/or raw ERP status.
type StatusTransition struct {
	PreviousStatus    OrderStatus
	NewStatus         OrderStatus
	PreviousERPStatus string
	NewERPStatus      string
}

func (t StatusTransition) Changed() bool {
	return t.PreviousStatus != t.NewStatus || t.PreviousERPStatus != t.NewERPStatus
}

func (t StatusTransition) StatusChanged() bool {
	return t.PreviousStatus != t.NewStatus
}

func (r ERPRecord) IsLinked() bool {
	return strings.TrimSpace(r.ExternalOrderId) != ""
}

func (r ERPRecord) IsMockLinked() bool {
	return strings.HasPrefix(r.ExternalOrderId, MockOrderIdPrefix)
}

// IsLocked reports whether the order carries a confirmed external id.
func (r ERPRecord) IsLocked() bool {
	return r.IsLinked() && !r.IsMockLinked()
}

func (r ERPRecord) HasInvoice() bool {
	return strings.TrimSpace(r.InvoiceId) != "" && r.InvoiceId != "0"
}

// RecordSubmission links the record to an accepted ERP order.
func (r *ERPRecord) RecordSubmission(externalId, externalNumber string, at time.Time) {
	r.ExternalOrderId = externalId
	r.ExternalNumber = externalNumber
	r.SentAt = &at
	r.SyncError = ""
}

// RecordUnconfirmedSubmission notes a submission the ERP acknowledged without returning
// its id. The external id is left as it was so the order stays unlinked.
func (r *ERPRecord) RecordUnconfirmedSubmission(submissionNo, message string, at time.Time) {
	if submissionNo != "" {
		r.ExternalNumber = submissionNo
	}
	r.SyncError = message
	r.SyncedAt = &at
}

// RecordSync advances the sync timestamp and attempt counter.
func (r *ERPRecord) RecordSync(rawStatus string, at time.Time) {
	r.ExternalStatus = rawStatus
	r.SyncedAt = &at
	r.SyncAttempts++
	r.SyncError = ""
}

func (r *ERPRecord) RecordFailure(message string, at time.Time) {
	r.SyncError = message
	r.SyncAttempts++
	r.SyncedAt = &at
}

func (r *ERPRecord) RecordTracking(externalNumber, trackingCode, carrierName string) {
	if externalNumber != "" {
		r.ExternalNumber = externalNumber
	}
	if trackingCode != "" {
		r.TrackingCode = trackingCode
	}
	if carrierName != "" {
		r.CarrierName = carrierName
	}
}

func (r *ERPRecord) AttachInvoice(link InvoiceLink) {
	r.InvoiceId = link.Id
	if link.Number != "" {
		r.InvoiceNumber = link.Number
	}
	if link.Key != "" {
		r.InvoiceKey = link.Key
	}
	if link.Series != "" {
		r.InvoiceSeries = link.Series
	}
}

func (o Order) IsDraft() bool {
	return o.Status == OrderStatusDraft
}

// Clone returns a deep copy so callers can hand back an updated order without touching the input.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = append([]OrderItem(nil), o.Items...)
	}
	if o.InvoicedItems != nil {
		c.InvoicedItems = append([]InvoicedItem(nil), o.InvoicedItems...)
	}
	if o.ERP.SentAt != nil {
		t := *o.ERP.SentAt
		c.ERP.SentAt = &t
	}
	if o.ERP.SyncedAt != nil {
		t := *o.ERP.SyncedAt
		c.ERP.SyncedAt = &t
	}
	return c
}

// RecordStatusTransition moves the order to newStatus after observing rawStatus in the ERP.
func (o *Order) RecordStatusTransition(newStatus OrderStatus, rawStatus string, at time.Time) StatusTransition {
	t := StatusTransition{
		PreviousStatus:    o.Status,
		NewStatus:         newStatus,
		PreviousERPStatus: o.ERP.ExternalStatus,
		NewERPStatus:      rawStatus,
	}
	o.Status = newStatus
	o.ERP.RecordSync(rawStatus, at)
	return t
}

// AttachInvoice links the invoice and replaces the invoiced items and totals.
func (o *Order) AttachInvoice(link InvoiceLink, items []InvoicedItem, total, discount decimal.Decimal) {
	o.ERP.AttachInvoice(link)
	if len(items) > 0 {
		o.InvoicedItems = items
	}
	o.InvoicedTotal = total
	o.InvoicedDiscount = discount
}

// ItemsTotal sums quantity * unit price over the order items.
func (o Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.Quantity.Mul(it.UnitPrice))
	}
	return sum
}
