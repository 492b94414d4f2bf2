package tinyerp

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/shopspring/decimal"
)

// simulatedLifecycle is the order of statuses the simulator walks through.
var simulatedLifecycle = []string{
	"em_aberto",
	"aprovado",
	"preparando_envio",
	"faturado",
	"pronto_para_envio",
	"enviado",
	"entregue",
}

// simulatedOffPath are statuses reachable from any non-final step.
var simulatedOffPath = []string{"cancelado", "nao_entregue"}

// SimulatorStatusTokens lists every status the simulator can report.
func SimulatorStatusTokens() []string {
	out := append([]string(nil), simulatedLifecycle...)
	return append(out, simulatedOffPath...)
}

type SimulatorOptions struct {
	Delay        time.Duration
	MachineID    int64
	Seed         int64
	NotFoundRate float64
	// Products, when set, are used for fabricated invoice lines so they match the local catalog.
	Products []models.Product
}

type simOrder struct {
	step     int
	status   string
	invoice  string
	tracking string
}

// Simulator fabricates plausible Tiny responses in-process.
type Simulator struct {
	delay        time.Duration
	notFoundRate float64
	node         *snowflake.Node
	products     []models.Product

	mu       sync.Mutex
	rng      *rand.Rand
	orders   map[string]*simOrder
	invoices map[string][]LineItem
}

func NewSimulator(opts SimulatorOptions) (*Simulator, error) {
	node, err := snowflake.NewNode(opts.MachineID % 1024)
	if err != nil {
		return nil, fmt.Errorf("simulator id node: %w", err)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		delay:        opts.Delay,
		notFoundRate: opts.NotFoundRate,
		node:         node,
		products:     opts.Products,
		rng:          rand.New(rand.NewSource(seed)),
		orders:       make(map[string]*simOrder),
		invoices:     make(map[string][]LineItem),
	}, nil
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &Error{Kind: KindTransport, Err: ctx.Err()}
	case <-t.C:
		return nil
	}
}

func (s *Simulator) GetOrder(ctx context.Context, companyID, externalOrderID string) (*OrderStatusPayload, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[externalOrderID]
	if !ok {
		if s.notFoundRate > 0 && s.rng.Float64() < s.notFoundRate {
			return nil, &Error{Kind: KindNotFound, Code: codeNotFound, Message: "A consulta não retornou registros"}
		}
		o = &simOrder{step: s.rng.Intn(3)}
		o.status = simulatedLifecycle[o.step]
		s.orders[externalOrderID] = o
	} else {
		s.advance(o)
	}
	if o.invoice == "" && o.step >= 3 && o.step < len(simulatedLifecycle) {
		o.invoice = s.node.Generate().String()
		s.invoices[o.invoice] = s.fabricateItems()
	}
	if o.tracking == "" && o.step >= 5 && o.step < len(simulatedLifecycle) {
		o.tracking = fmt.Sprintf("BR%09dSIM", s.rng.Intn(1_000_000_000))
	}

	p := &OrderStatusPayload{
		Id:                 externalOrderID,
		Numero:             strings.TrimPrefix(externalOrderID, models.MockOrderIdPrefix),
		Situacao:           o.status,
		CodigoRastreamento: o.tracking,
		IdNotaFiscal:       o.invoice,
	}
	if o.tracking != "" {
		p.NomeTransportador = "Transportadora Simulada"
	}
	return p, nil
}

// advance moves the order forward most of the time and rarely off the happy path.
func (s *Simulator) advance(o *simOrder) {
	if o.step >= len(simulatedLifecycle) || o.step == len(simulatedLifecycle)-1 {
		return
	}
	r := s.rng.Float64()
	switch {
	case r < 0.05:
		o.status = simulatedOffPath[s.rng.Intn(len(simulatedOffPath))]
		o.step = len(simulatedLifecycle)
	case r < 0.6:
		o.step++
		o.status = simulatedLifecycle[o.step]
	}
}

func (s *Simulator) fabricateItems() []LineItem {
	n := 1 + s.rng.Intn(3)
	items := make([]LineItem, 0, n)
	for i := 0; i < n; i++ {
		qty := decimal.NewFromInt(int64(1 + s.rng.Intn(5)))
		price := decimal.NewFromInt(int64(10 + s.rng.Intn(490)))
		item := LineItem{
			Codigo:        fmt.Sprintf("SIM-%03d", s.rng.Intn(1000)),
			Descricao:     "Produto simulado",
			Unidade:       DefaultUnit,
			Ean:           fmt.Sprintf("789%010d", s.rng.Intn(1_000_000_000)),
			Quantidade:    qty,
			ValorUnitario: price,
			ValorTotal:    qty.Mul(price),
		}
		if len(s.products) > 0 {
			p := s.products[s.rng.Intn(len(s.products))]
			item.Codigo, item.Ean, item.Descricao = p.Sku, p.Ean, p.Name
			if !p.Price.IsZero() {
				item.ValorUnitario = p.Price
				item.ValorTotal = qty.Mul(p.Price)
			}
		}
		items = append(items, item)
	}
	return items
}

func (s *Simulator) GetInvoice(ctx context.Context, companyID, invoiceID string) (*InvoicePayload, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.invoices[invoiceID]
	if !ok {
		items = s.fabricateItems()
		s.invoices[invoiceID] = items
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.ValorTotal)
	}
	return &InvoicePayload{
		Id:     invoiceID,
		Numero: fmt.Sprintf("%06d", s.rng.Intn(1_000_000)),
		Serie:  "1",
		Chave:  fmt.Sprintf("%044d", s.rng.Int63()),
		Total:  total,
		Itens:  append([]LineItem(nil), items...),
	}, nil
}

// CreateOrder never transmits anything; accepted orders get a mock-prefixed id.
func (s *Simulator) CreateOrder(ctx context.Context, companyID string, sub *Submission) (*CreateOrderResult, error) {
	if sub == nil {
		return nil, &Error{Kind: KindApplication, Message: "submission is nil"}
	}
	if sub.Status == models.OrderStatusDraft {
		return nil, ErrDraftOrder
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	id := models.MockOrderIdPrefix + s.node.Generate().String()
	return &CreateOrderResult{Id: id, Numero: sub.Numero}, nil
}

func (s *Simulator) CreateCustomer(ctx context.Context, companyID string, customer CustomerData) (*CreateResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &CreateResult{Id: s.node.Generate().String()}, nil
}

func (s *Simulator) CreateProduct(ctx context.Context, companyID string, product ProductData) (*CreateResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &CreateResult{Id: s.node.Generate().String()}, nil
}
