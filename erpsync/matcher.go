package erpsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/erp_integration/config"
	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProductCacheTTL = 5 * time.Minute

	MatchedByEAN = "ean"
	MatchedBySKU = "sku"
)

type ProductCatalog interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
}

// CatalogFunc adapts a plain function, e.g. (*models.ProductStore).List.
type CatalogFunc func(ctx context.Context) ([]models.Product, error)

func (f CatalogFunc) ListProducts(ctx context.Context) ([]models.Product, error) { return f(ctx) }

type MatchResult struct {
	ProductId string
	MatchedBy string
	// Ambiguous is set when EAN and SKU point at different products; EAN wins.
	Ambiguous      bool
	SkuCandidateId string
}

// MatchProduct resolves by EAN first, then SKU.
func MatchProduct(products []models.Product, sku, ean string) MatchResult {
	sku = strings.TrimSpace(sku)
	ean = strings.TrimSpace(ean)

	var byEAN, bySKU *models.Product
	for i := range products {
		p := &products[i]
		if byEAN == nil && ean != "" && strings.TrimSpace(p.Ean) == ean {
			byEAN = p
		}
		if bySKU == nil && sku != "" && strings.EqualFold(strings.TrimSpace(p.Sku), sku) {
			bySKU = p
		}
	}
	switch {
	case byEAN != nil:
		res := MatchResult{ProductId: byEAN.ID, MatchedBy: MatchedByEAN}
		if bySKU != nil && bySKU.ID != byEAN.ID {
			res.Ambiguous = true
			res.SkuCandidateId = bySKU.ID
		}
		return res
	case bySKU != nil:
		return MatchResult{ProductId: bySKU.ID, MatchedBy: MatchedBySKU}
	}
	return MatchResult{}
}

// ProductMatcher matches invoice lines against a time-boxed snapshot of the catalog.
type ProductMatcher struct {
	catalog ProductCatalog
	clock   Clock
	ttl     time.Duration
	logger  *logrus.Logger

	mu        sync.Mutex
	products  []models.Product
	fetchedAt time.Time
	loaded    bool
}

func NewProductMatcher(catalog ProductCatalog, clock Clock, ttl time.Duration) *ProductMatcher {
	if clock == nil {
		clock = RealClock()
	}
	if ttl <= 0 {
		ttl = DefaultProductCacheTTL
	}
	return &ProductMatcher{catalog: catalog, clock: clock, ttl: ttl, logger: config.GetLogger()}
}

// Products returns the cached catalog, refreshing it when expired.
// A failed refresh keeps serving the stale snapshot.
func (m *ProductMatcher) Products(ctx context.Context) []models.Product {
	if m == nil || m.catalog == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded && m.clock.Now().Sub(m.fetchedAt) < m.ttl {
		return m.products
	}
	products, err := m.catalog.ListProducts(ctx)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"module": "erpsync", "stale_products": len(m.products)}).
			Warn("product catalog refresh failed, using cached products: " + err.Error())
		return m.products
	}
	m.products = products
	m.fetchedAt = m.clock.Now()
	m.loaded = true
	return m.products
}

// Invalidate forces the next lookup to refetch the catalog.
func (m *ProductMatcher) Invalidate() {
	m.mu.Lock()
	m.loaded = false
	m.mu.Unlock()
}

func (m *ProductMatcher) Match(ctx context.Context, sku, ean string) MatchResult {
	return MatchProduct(m.Products(ctx), sku, ean)
}

// ResolveItems converts invoice lines, keeping raw SKU/EAN for lines that match nothing.
func (m *ProductMatcher) ResolveItems(ctx context.Context, lines []tinyerp.LineItem) ([]models.InvoicedItem, int) {
	products := m.Products(ctx)
	items := make([]models.InvoicedItem, 0, len(lines))
	ambiguous := 0
	for _, l := range lines {
		res := MatchProduct(products, l.Codigo, l.Ean)
		if res.Ambiguous {
			ambiguous++
			m.logger.WithFields(logrus.Fields{
				"module":         "erpsync",
				"sku":            l.Codigo,
				"ean":            l.Ean,
				"ean_product_id": res.ProductId,
				"sku_product_id": res.SkuCandidateId,
			}).Warn("invoice line matches different products by EAN and SKU")
		}
		items = append(items, models.InvoicedItem{
			ProductId:   res.ProductId,
			Sku:         l.Codigo,
			Ean:         l.Ean,
			Description: l.Descricao,
			Unit:        l.Unidade,
			Quantity:    l.Quantidade,
			UnitPrice:   l.ValorUnitario,
			Total:       l.ValorTotal,
			MatchedBy:   res.MatchedBy,
		})
	}
	return items, ambiguous
}
