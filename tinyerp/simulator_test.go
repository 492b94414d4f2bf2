package tinyerp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/erp_integration/models"
	"github.com/shopspring/decimal"
)

func newTestSimulator(t *testing.T, opts SimulatorOptions) *Simulator {
	t.Helper()
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	s, err := NewSimulator(opts)
	if err != nil {
		t.Fatalf("new simulator: %v", err)
	}
	return s
}

func TestSimulatorOnlyReportsKnownTokens(t *testing.T) {
	s := newTestSimulator(t, SimulatorOptions{})
	known := map[string]bool{}
	for _, tok := range SimulatorStatusTokens() {
		known[tok] = true
	}
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		p, err := s.GetOrder(ctx, "c1", "ext-"+string(rune('a'+i%5)))
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if !known[p.Situacao] {
			t.Fatalf("simulator produced unknown status %q", p.Situacao)
		}
	}
}

func TestSimulatorInvoiceUsesCatalog(t *testing.T) {
	products := []models.Product{{ID: "p1", Name: "Caneta", Sku: "SKU-1", Ean: "7890000000001", Price: decimal.NewFromInt(5)}}
	s := newTestSimulator(t, SimulatorOptions{Products: products})
	inv, err := s.GetInvoice(context.Background(), "c1", "inv-1")
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if len(inv.Itens) == 0 {
		t.Fatalf("expected fabricated items")
	}
	for _, it := range inv.Itens {
		if it.Codigo != "SKU-1" || it.Ean != "7890000000001" {
			t.Fatalf("expected catalog item, got %+v", it)
		}
	}
}

func TestSimulatorCreateOrder(t *testing.T) {
	s := newTestSimulator(t, SimulatorOptions{})
	ctx := context.Background()
	if _, err := s.CreateOrder(ctx, "c1", &Submission{Status: models.OrderStatusDraft}); !errors.Is(err, ErrDraftOrder) {
		t.Fatalf("expected ErrDraftOrder, got %v", err)
	}
	res, err := s.CreateOrder(ctx, "c1", &Submission{Status: models.OrderStatusOpen, Numero: "1-x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(res.Id, models.MockOrderIdPrefix) || res.Numero != "1-x" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSimulatorNotFound(t *testing.T) {
	s := newTestSimulator(t, SimulatorOptions{NotFoundRate: 1})
	_, err := s.GetOrder(context.Background(), "c1", "x")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
