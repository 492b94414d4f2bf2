package autosend

import (
	"context"
	"strings"

	"github.com/mmdatafocus/erp_integration/erpsync"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

const (
	ItemsFromInvoice = "invoice"
	ItemsFromOrder   = "order"
)

// Diagnostic is a read-only report on how an order looks from the ERP side.
type Diagnostic struct {
	OrderId         string                `json:"order_id"`
	ExternalOrderId string                `json:"erp_pedido_id"`
	Linked          bool                  `json:"linked"`
	MockLinked      bool                  `json:"mock_linked"`
	Found           bool                  `json:"found"`
	ERPStatus       string                `json:"erp_status,omitempty"`
	MappedStatus    models.OrderStatus    `json:"mapped_status,omitempty"`
	StatusError     string                `json:"status_error,omitempty"`
	InvoiceId       string                `json:"nota_fiscal_id,omitempty"`
	InvoiceIdValid  bool                  `json:"nota_fiscal_id_valid"`
	InvoiceFetched  bool                  `json:"nota_fiscal_fetched"`
	InvoiceError    string                `json:"nota_fiscal_error,omitempty"`
	ItemsSource     string                `json:"items_source,omitempty"`
	Items           []models.InvoicedItem `json:"items,omitempty"`
	UnmatchedItems  int                   `json:"unmatched_items"`
	AmbiguousItems  int                   `json:"ambiguous_items"`
	Error           string                `json:"error,omitempty"`
}

// AnalyzeOrder fetches the ERP order and, when possible, its invoice, and reconciles the
// invoice lines against the local catalog. Nothing is written.
func (o *Orchestrator) AnalyzeOrder(ctx context.Context, order models.Order, companyId string) *Diagnostic {
	d := &Diagnostic{
		OrderId:         order.ID,
		ExternalOrderId: order.ERP.ExternalOrderId,
		Linked:          order.ERP.IsLinked(),
		MockLinked:      order.ERP.IsMockLinked(),
	}
	if !d.Linked || d.MockLinked {
		return d
	}
	if companyId == "" {
		companyId = order.CompanyId
	}

	ctx, span := tracer.Start(ctx, "autosend.AnalyzeOrder")
	defer span.End()

	payload, err := o.transport.GetOrder(ctx, companyId, order.ERP.ExternalOrderId)
	if err != nil {
		if !tinyerp.IsKind(err, tinyerp.KindNotFound) {
			d.Error = err.Error()
		}
		return d
	}
	d.Found = true
	d.ERPStatus = payload.Situacao
	if st, err := erpsync.MapStatus(payload.Situacao); err != nil {
		d.StatusError = err.Error()
	} else {
		d.MappedStatus = st
	}

	d.InvoiceId = strings.TrimSpace(payload.IdNotaFiscal)
	d.InvoiceIdValid = payload.HasInvoice()

	var lines []tinyerp.LineItem
	if d.InvoiceIdValid {
		inv, err := o.transport.GetInvoice(ctx, companyId, d.InvoiceId)
		if err != nil {
			d.InvoiceError = err.Error()
		} else {
			d.InvoiceFetched = true
			lines = inv.Itens
			if len(lines) > 0 {
				d.ItemsSource = ItemsFromInvoice
			}
		}
	}
	if len(lines) == 0 && len(payload.Itens) > 0 {
		lines = payload.Itens
		d.ItemsSource = ItemsFromOrder
	}

	d.Items, d.AmbiguousItems = o.matcher.ResolveItems(ctx, lines)
	for _, it := range d.Items {
		if it.ProductId == "" {
			d.UnmatchedItems++
		}
	}
	return d
}
