package erpsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
	"github.com/shopspring/decimal"
)

func TestMapStatusCoversSimulatorTokens(t *testing.T) {
	for _, tok := range tinyerp.SimulatorStatusTokens() {
		if _, err := MapStatus(tok); err != nil {
			t.Fatalf("simulator token %q is unmapped: %v", tok, err)
		}
	}
}

func TestMapStatusNormalizesLabels(t *testing.T) {
	cases := map[string]models.OrderStatus{
		"Não Entregue":      models.OrderStatusNotDelivered,
		"pronto-para-envio": models.OrderStatusReadyToShip,
		" Faturado ":        models.OrderStatusInvoiced,
		"Em aberto":         models.OrderStatusOpen,
	}
	for raw, want := range cases {
		got, err := MapStatus(raw)
		if err != nil || got != want {
			t.Fatalf("MapStatus(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := MapStatus("em_limbo"); !errors.Is(err, ErrUnmappedStatus) {
		t.Fatalf("expected ErrUnmappedStatus, got %v", err)
	}
}

func TestSeverityFor(t *testing.T) {
	if SeverityFor(models.OrderStatusDelivered) != notify.SeveritySuccess {
		t.Fatalf("delivered should be success")
	}
	if SeverityFor(models.OrderStatusCancelled) != notify.SeverityWarning {
		t.Fatalf("cancelled should be warning")
	}
	if SeverityFor(models.OrderStatusOpen) != notify.SeverityInfo {
		t.Fatalf("open should be info")
	}
}

func TestSyncOrderUnmappedStatusFails(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{Id: "100", Situacao: "em_limbo"}
	order := linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado")

	updated, err := te.SyncOrder(context.Background(), order, "c1")
	if !errors.Is(err, ErrUnmappedStatus) {
		t.Fatalf("expected ErrUnmappedStatus, got %v", err)
	}
	if updated != nil {
		t.Fatalf("no update expected on unmapped status")
	}
	entries := te.History().Entries()
	if len(entries) != 1 || entries[0].Success {
		t.Fatalf("expected one failed history entry, got %+v", entries)
	}
}

func TestSyncOrderSkipsWithoutTransportCall(t *testing.T) {
	te := newTestEngine(nil)
	cases := []models.Order{
		linkedOrder("mock", models.MockOrderIdPrefix+"123", models.OrderStatusApproved, "aprovado"),
		linkedOrder("unlinked", "", models.OrderStatusApproved, ""),
	}
	for _, o := range cases {
		updated, err := te.SyncOrder(context.Background(), o, "c1")
		if err != nil || updated != nil {
			t.Fatalf("%s: expected (nil, nil), got (%v, %v)", o.ID, updated, err)
		}
	}
	if calls := te.transport.OrderCalls(); len(calls) != 0 {
		t.Fatalf("expected no transport calls, got %v", calls)
	}
}

func TestSyncOrderDisabledConfigReturnsNil(t *testing.T) {
	te := newTestEngine(nil)
	cfg := models.DefaultSyncConfig()
	cfg.Enabled = false
	if err := te.ConfigureCompany(context.Background(), "c1", cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{Id: "100", Situacao: "faturado"}

	updated, err := te.SyncOrder(context.Background(), linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado"), "c1")
	if err != nil || updated != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", updated, err)
	}
	if len(te.transport.OrderCalls()) != 0 {
		t.Fatalf("disabled config must not call the ERP")
	}
}

func TestSyncOrderNotFoundIsSoft(t *testing.T) {
	te := newTestEngine(nil)
	updated, err := te.SyncOrder(context.Background(), linkedOrder("o1", "404", models.OrderStatusApproved, "aprovado"), "c1")
	if err != nil || updated != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", updated, err)
	}
}

func TestSyncOrderTransitionRecordsHistoryAndInvoice(t *testing.T) {
	products := []models.Product{
		{ID: "p1", Sku: "SKU-1", Ean: "7890000000011"},
		{ID: "p2", Sku: "SKU-2"},
	}
	te := newTestEngine(products)
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{
		Id:                 "100",
		Numero:             "5001",
		Situacao:           "faturado",
		CodigoRastreamento: "BR123",
		NomeTransportador:  "Correios",
		IdNotaFiscal:       "900",
	}
	te.transport.invoices["900"] = &tinyerp.InvoicePayload{
		Id:       "900",
		Numero:   "000123",
		Serie:    "1",
		Chave:    "3524",
		Total:    decimal.RequireFromString("150"),
		Desconto: decimal.RequireFromString("5"),
		Itens: []tinyerp.LineItem{
			{Codigo: "other", Ean: "7890000000011", Quantidade: decimal.NewFromInt(1), ValorTotal: decimal.NewFromInt(100)},
			{Codigo: "sku-2", Quantidade: decimal.NewFromInt(1), ValorTotal: decimal.NewFromInt(50)},
		},
	}
	order := linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado")
	order.ERP.SyncAttempts = 2

	updated, err := te.SyncOrder(context.Background(), order, "c1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if updated.Status != models.OrderStatusInvoiced || updated.ERP.ExternalStatus != "faturado" {
		t.Fatalf("unexpected status %q / %q", updated.Status, updated.ERP.ExternalStatus)
	}
	if updated.ERP.SyncAttempts != 3 || updated.ERP.SyncedAt == nil {
		t.Fatalf("sync counters not advanced: %+v", updated.ERP)
	}
	if updated.ERP.TrackingCode != "BR123" || updated.ERP.ExternalNumber != "5001" {
		t.Fatalf("tracking not refreshed: %+v", updated.ERP)
	}
	if updated.ERP.InvoiceId != "900" || updated.ERP.InvoiceNumber != "000123" {
		t.Fatalf("invoice not linked: %+v", updated.ERP)
	}
	if len(updated.InvoicedItems) != 2 {
		t.Fatalf("expected 2 invoiced items, got %d", len(updated.InvoicedItems))
	}
	if it := updated.InvoicedItems[0]; it.ProductId != "p1" || it.MatchedBy != MatchedByEAN {
		t.Fatalf("first line should match p1 by ean, got %+v", it)
	}
	if it := updated.InvoicedItems[1]; it.ProductId != "p2" || it.MatchedBy != MatchedBySKU {
		t.Fatalf("second line should match p2 by sku, got %+v", it)
	}
	if !updated.InvoicedTotal.Equal(decimal.NewFromInt(150)) || !updated.InvoicedDiscount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected invoiced totals %s / %s", updated.InvoicedTotal, updated.InvoicedDiscount)
	}
	if order.Status != models.OrderStatusApproved {
		t.Fatalf("input order must not be mutated")
	}

	entries := te.History().Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.Success || e.PreviousStatus != models.OrderStatusApproved || e.NewStatus != models.OrderStatusInvoiced ||
		e.PreviousERPStatus != "aprovado" || e.NewERPStatus != "faturado" {
		t.Fatalf("unexpected entry %+v", e)
	}
	sent := te.notifier.Sent()
	if len(sent) != 1 || sent[0].severity != notify.SeveritySuccess {
		t.Fatalf("expected one success notification, got %+v", sent)
	}
}

func TestSyncOrderUnchangedBackfillsInvoice(t *testing.T) {
	te := newTestEngine([]models.Product{{ID: "p1", Sku: "SKU-1"}})
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{
		Id:           "100",
		Situacao:     "faturado",
		IdNotaFiscal: "900",
		Itens:        []tinyerp.LineItem{{Codigo: "SKU-1", Quantidade: decimal.NewFromInt(2), ValorTotal: decimal.NewFromInt(20)}},
	}
	// Invoice without lines: the order lines are used instead.
	te.transport.invoices["900"] = &tinyerp.InvoicePayload{Id: "900", Numero: "77"}
	order := linkedOrder("o1", "100", models.OrderStatusInvoiced, "faturado")

	updated, err := te.SyncOrder(context.Background(), order, "c1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if updated.ERP.InvoiceId != "900" || updated.ERP.InvoiceNumber != "77" {
		t.Fatalf("invoice not backfilled: %+v", updated.ERP)
	}
	if len(updated.InvoicedItems) != 1 || updated.InvoicedItems[0].ProductId != "p1" {
		t.Fatalf("expected order lines as invoiced items, got %+v", updated.InvoicedItems)
	}
	if !updated.InvoicedTotal.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected total summed from lines, got %s", updated.InvoicedTotal)
	}
	if te.History().Len() != 0 || len(te.notifier.Sent()) != 0 {
		t.Fatalf("unchanged status must not record a transition")
	}
	if updated.ERP.SyncAttempts != 1 {
		t.Fatalf("expected attempt counter to advance, got %d", updated.ERP.SyncAttempts)
	}
}

func TestSyncOrderKeepsInvoiceWhenAlreadyLinked(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{Id: "100", Situacao: "faturado", IdNotaFiscal: "900"}
	order := linkedOrder("o1", "100", models.OrderStatusInvoiced, "faturado")
	order.ERP.InvoiceId = "900"

	if _, err := te.SyncOrder(context.Background(), order, "c1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(te.transport.invoiceCall) != 0 {
		t.Fatalf("linked invoice must not be refetched, got %v", te.transport.invoiceCall)
	}
}

func TestSyncOrderInvoiceFetchFailureLeavesOrderUnlinked(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{Id: "100", Situacao: "faturado", IdNotaFiscal: "900"}
	te.transport.invoiceErr = &tinyerp.Error{Kind: tinyerp.KindTransport, Message: "timeout"}

	updated, err := te.SyncOrder(context.Background(), linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado"), "c1")
	if err != nil {
		t.Fatalf("invoice failure must not fail the sync: %v", err)
	}
	if updated.Status != models.OrderStatusInvoiced || updated.ERP.HasInvoice() {
		t.Fatalf("expected status applied without invoice, got %+v", updated.ERP)
	}
}

func TestSyncOrderTransportErrorRecordsFailure(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orderErrs["100"] = &tinyerp.Error{Kind: tinyerp.KindTransport, Message: "bad gateway"}

	_, err := te.SyncOrder(context.Background(), linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado"), "c1")
	if !tinyerp.IsKind(err, tinyerp.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	entries := te.History().Entries()
	if len(entries) != 1 || entries[0].Success || entries[0].Details["kind"] != "transport" {
		t.Fatalf("expected failure entry, got %+v", entries)
	}
}

func TestSyncAllFiltersIneligible(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orders["1"] = &tinyerp.OrderStatusPayload{Id: "1", Situacao: "aprovado"}

	noAuto := linkedOrder("noauto", "2", models.OrderStatusApproved, "aprovado")
	noAuto.ERP.AutoSync = false
	orders := []models.Order{
		linkedOrder("ok", "1", models.OrderStatusOpen, "em_aberto"),
		noAuto,
		linkedOrder("draft", "3", models.OrderStatusDraft, ""),
		linkedOrder("cancelled", "4", models.OrderStatusCancelled, "cancelado"),
		linkedOrder("mock", models.MockOrderIdPrefix+"5", models.OrderStatusApproved, "aprovado"),
		linkedOrder("unlinked", "", models.OrderStatusApproved, ""),
	}

	res, err := te.SyncAll(context.Background(), orders)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if res.Total != 1 || res.Synced != 1 || len(res.Updated) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls := te.transport.OrderCalls(); len(calls) != 1 || calls[0] != "1" {
		t.Fatalf("expected only order 1 fetched, got %v", calls)
	}
	if len(te.clock.Sleeps()) != 0 {
		t.Fatalf("single order batch must not sleep")
	}
}

func TestSyncAllTalliesAndPaces(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orders["1"] = &tinyerp.OrderStatusPayload{Id: "1", Situacao: "aprovado"}
	te.transport.orderErrs["3"] = &tinyerp.Error{Kind: tinyerp.KindTransport, Message: "boom"}
	orders := []models.Order{
		linkedOrder("a", "1", models.OrderStatusOpen, "em_aberto"),
		linkedOrder("b", "2", models.OrderStatusOpen, "em_aberto"),
		linkedOrder("c", "3", models.OrderStatusOpen, "em_aberto"),
	}

	res, err := te.SyncAll(context.Background(), orders)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if res.Total != 3 || res.Synced != 1 || res.NotFound != 1 || res.Errors != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected tallies %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].OrderId != "c" || res.Failures[0].Kind != "transport" {
		t.Fatalf("unexpected failures %+v", res.Failures)
	}
	sleeps := te.clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != time.Second {
		t.Fatalf("expected two 1s pauses, got %v", sleeps)
	}
}

func TestSyncAllAbortsOnRateLimit(t *testing.T) {
	te := newTestEngine(nil)
	te.transport.orders["1"] = &tinyerp.OrderStatusPayload{Id: "1", Situacao: "aprovado"}
	te.transport.orderErrs["2"] = &tinyerp.Error{Kind: tinyerp.KindRateLimited, Code: "6", Message: "API Bloqueada"}
	te.transport.orders["3"] = &tinyerp.OrderStatusPayload{Id: "3", Situacao: "aprovado"}
	te.transport.orders["4"] = &tinyerp.OrderStatusPayload{Id: "4", Situacao: "aprovado"}
	orders := []models.Order{
		linkedOrder("a", "1", models.OrderStatusOpen, "em_aberto"),
		linkedOrder("b", "2", models.OrderStatusOpen, "em_aberto"),
		linkedOrder("c", "3", models.OrderStatusOpen, "em_aberto"),
		linkedOrder("d", "4", models.OrderStatusOpen, "em_aberto"),
	}

	res, err := te.SyncAll(context.Background(), orders)
	var aborted *BatchAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected BatchAbortedError, got %v", err)
	}
	if !tinyerp.IsKind(err, tinyerp.KindRateLimited) {
		t.Fatalf("abort must wrap the rate-limit error")
	}
	if aborted.Result != res || res.Synced != 1 || res.Errors != 1 || res.Remaining != 2 {
		t.Fatalf("unexpected partial result %+v", res)
	}
	if len(res.Updated) != 1 || res.Updated[0].ID != "a" {
		t.Fatalf("expected order a in partial result, got %+v", res.Updated)
	}
	if calls := te.transport.OrderCalls(); len(calls) != 2 {
		t.Fatalf("remaining orders must not be fetched, got %v", calls)
	}
}

func TestSyncAllAndSavePersistsPartialResult(t *testing.T) {
	a := linkedOrder("a", "1", models.OrderStatusOpen, "em_aberto")
	b := linkedOrder("b", "2", models.OrderStatusOpen, "em_aberto")
	te := newTestEngine(nil, a, b)
	te.transport.orders["1"] = &tinyerp.OrderStatusPayload{Id: "1", Situacao: "aprovado"}
	te.transport.orderErrs["2"] = &tinyerp.Error{Kind: tinyerp.KindRateLimited, Code: "6"}

	_, err := te.SyncAllAndSave(context.Background(), []models.Order{a, b})
	var aborted *BatchAbortedError
	if !errors.As(err, &aborted) {
		t.Fatalf("expected abort, got %v", err)
	}
	if got := te.orders.order("a"); got.Status != models.OrderStatusApproved {
		t.Fatalf("synced order not persisted, status %q", got.Status)
	}
}

func TestHistoryLogIsBounded(t *testing.T) {
	h := NewHistoryLog(DefaultHistoryLimit, nil)
	for i := 0; i <= DefaultHistoryLimit; i++ {
		h.Append(context.Background(), models.SyncHistoryEntry{ID: string(rune('a' + i%26)), Message: time.Duration(i).String()})
	}
	if h.Len() != DefaultHistoryLimit {
		t.Fatalf("expected %d entries, got %d", DefaultHistoryLimit, h.Len())
	}
	entries := h.Entries()
	if entries[0].Message != time.Duration(DefaultHistoryLimit).String() {
		t.Fatalf("newest entry must be first, got %q", entries[0].Message)
	}
	if entries[len(entries)-1].Message != time.Duration(1).String() {
		t.Fatalf("oldest entry must be evicted, last is %q", entries[len(entries)-1].Message)
	}
}

type memorySink struct {
	appended int
	cleared  bool
}

func (s *memorySink) Append(context.Context, models.SyncHistoryEntry) error {
	s.appended++
	return nil
}

func (s *memorySink) Clear(context.Context) error {
	s.cleared = true
	return nil
}

func TestHistoryLogPersistsAndClears(t *testing.T) {
	sink := &memorySink{}
	h := NewHistoryLog(2, sink)
	h.Append(context.Background(), models.SyncHistoryEntry{OrderId: "o1"})
	h.Append(context.Background(), models.SyncHistoryEntry{OrderId: "o2"})
	h.Append(context.Background(), models.SyncHistoryEntry{OrderId: "o1"})
	if sink.appended != 3 || h.Len() != 2 {
		t.Fatalf("appended=%d len=%d", sink.appended, h.Len())
	}
	if got := h.ForOrder("o1"); len(got) != 1 {
		t.Fatalf("expected one retained o1 entry, got %d", len(got))
	}
	if err := h.Clear(context.Background()); err != nil || !sink.cleared || h.Len() != 0 {
		t.Fatalf("clear failed: %v", err)
	}
}
