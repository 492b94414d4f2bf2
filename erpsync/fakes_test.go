package erpsync

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{interval: d, ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *fakeClock) LastTicker() *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

type fakeTicker struct {
	interval time.Duration
	ch       chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTransport struct {
	mu          sync.Mutex
	orders      map[string]*tinyerp.OrderStatusPayload
	orderErrs   map[string]error
	invoices    map[string]*tinyerp.InvoicePayload
	invoiceErr  error
	orderCalls  []string
	invoiceCall []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		orders:    map[string]*tinyerp.OrderStatusPayload{},
		orderErrs: map[string]error{},
		invoices:  map[string]*tinyerp.InvoicePayload{},
	}
}

func (f *fakeTransport) GetOrder(_ context.Context, _ string, id string) (*tinyerp.OrderStatusPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls = append(f.orderCalls, id)
	if err, ok := f.orderErrs[id]; ok {
		return nil, err
	}
	if p, ok := f.orders[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, &tinyerp.Error{Kind: tinyerp.KindNotFound, Code: "20", Message: "not found"}
}

func (f *fakeTransport) GetInvoice(_ context.Context, _ string, id string) (*tinyerp.InvoicePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoiceCall = append(f.invoiceCall, id)
	if f.invoiceErr != nil {
		return nil, f.invoiceErr
	}
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, &tinyerp.Error{Kind: tinyerp.KindNotFound, Code: "20"}
}

func (f *fakeTransport) CreateOrder(context.Context, string, *tinyerp.Submission) (*tinyerp.CreateOrderResult, error) {
	panic("CreateOrder is not used by sync")
}

func (f *fakeTransport) CreateCustomer(context.Context, string, tinyerp.CustomerData) (*tinyerp.CreateResult, error) {
	panic("CreateCustomer is not used by sync")
}

func (f *fakeTransport) CreateProduct(context.Context, string, tinyerp.ProductData) (*tinyerp.CreateResult, error) {
	panic("CreateProduct is not used by sync")
}

func (f *fakeTransport) OrderCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.orderCalls...)
}

type sentNotification struct {
	message  string
	severity notify.Severity
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(_ context.Context, message string, severity notify.Severity) error {
	n.mu.Lock()
	n.sent = append(n.sent, sentNotification{message, severity})
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type memoryOrders struct {
	mu      sync.Mutex
	orders  map[string]models.Order
	listed  chan string
	saveAll int
}

func newMemoryOrders(orders ...models.Order) *memoryOrders {
	m := &memoryOrders{orders: map[string]models.Order{}, listed: make(chan string, 16)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memoryOrders) ListAutoSync(_ context.Context, companyId string) ([]models.Order, error) {
	m.mu.Lock()
	var out []models.Order
	for _, o := range m.orders {
		if o.ERP.AutoSync && (companyId == "" || o.CompanyId == companyId) {
			out = append(out, o.Clone())
		}
	}
	m.mu.Unlock()
	select {
	case m.listed <- companyId:
	default:
	}
	return out, nil
}

func (m *memoryOrders) FindByExternalId(_ context.Context, externalId string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ERP.ExternalOrderId == externalId {
			c := o.Clone()
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryOrders) Get(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := o.Clone()
	return &c, nil
}

func (m *memoryOrders) Save(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	m.orders[order.ID] = order.Clone()
	m.mu.Unlock()
	return nil
}

func (m *memoryOrders) SaveAll(_ context.Context, orders []models.Order) error {
	m.mu.Lock()
	m.saveAll++
	for _, o := range orders {
		m.orders[o.ID] = o.Clone()
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryOrders) order(id string) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func linkedOrder(id, externalId string, status models.OrderStatus, raw string) models.Order {
	return models.Order{
		ID:        id,
		Number:    "PV-" + id,
		Status:    status,
		CompanyId: "c1",
		ERP: models.ERPRecord{
			ExternalOrderId: externalId,
			ExternalStatus:  raw,
			AutoSync:        true,
		},
	}
}

type testEngine struct {
	*Engine
	transport *fakeTransport
	clock     *fakeClock
	notifier  *recordingNotifier
	orders    *memoryOrders
}

func newTestEngine(products []models.Product, orders ...models.Order) *testEngine {
	tr := newFakeTransport()
	clk := newFakeClock()
	n := &recordingNotifier{}
	repo := newMemoryOrders(orders...)
	catalog := CatalogFunc(func(context.Context) ([]models.Product, error) { return products, nil })
	e, err := NewEngine(Options{
		Transport:  tr,
		Matcher:    NewProductMatcher(catalog, clk, time.Minute),
		Notifier:   n,
		Clock:      clk,
		BatchDelay: time.Second,
		Orders:     repo,
	})
	if err != nil {
		panic(err)
	}
	return &testEngine{Engine: e, transport: tr, clock: clk, notifier: n, orders: repo}
}
