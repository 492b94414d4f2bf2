package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

func pollingConfig(minutes int) models.SyncConfig {
	cfg := models.DefaultSyncConfig()
	cfg.AutoSync = true
	cfg.IntervalMinutes = minutes
	return cfg
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollingStartsRunsAndStops(t *testing.T) {
	order := linkedOrder("o1", "100", models.OrderStatusOpen, "em_aberto")
	te := newTestEngine(nil, order)
	te.transport.orders["100"] = &tinyerp.OrderStatusPayload{Id: "100", Situacao: "aprovado"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := te.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer te.Stop()

	if _, active := te.PollingInterval(); active {
		t.Fatalf("default config must not poll")
	}

	if err := te.Configure(ctx, pollingConfig(10)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	iv, active := te.PollingInterval()
	if !active || iv != 10*time.Minute {
		t.Fatalf("expected 10m polling, got %v %v", iv, active)
	}
	ticker := te.clock.LastTicker()
	if ticker == nil || ticker.interval != 10*time.Minute {
		t.Fatalf("expected a 10m ticker")
	}

	ticker.ch <- te.clock.Now()
	select {
	case <-te.orders.listed:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick did not trigger a bulk sync")
	}
	waitUntil(t, func() bool { return te.orders.order("o1").Status == models.OrderStatusApproved })

	disabled := pollingConfig(10)
	disabled.AutoSync = false
	if err := te.Configure(ctx, disabled); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, active := te.PollingInterval(); active {
		t.Fatalf("polling should stop when auto-sync is off")
	}
	waitUntil(t, ticker.Stopped)
}

func TestPollingKeepsSingleTimerAcrossScopes(t *testing.T) {
	te := newTestEngine(nil)
	ctx := context.Background()
	defer te.Stop()

	if err := te.ConfigureCompany(ctx, "c1", pollingConfig(15)); err != nil {
		t.Fatalf("configure c1: %v", err)
	}
	first := te.clock.LastTicker()
	if err := te.ConfigureCompany(ctx, "c2", pollingConfig(5)); err != nil {
		t.Fatalf("configure c2: %v", err)
	}
	if iv, _ := te.PollingInterval(); iv != 5*time.Minute {
		t.Fatalf("latest active config should drive the timer, got %v", iv)
	}
	waitUntil(t, first.Stopped)

	off := pollingConfig(5)
	off.Enabled = false
	if err := te.ConfigureCompany(ctx, "c2", off); err != nil {
		t.Fatalf("disable c2: %v", err)
	}
	if iv, active := te.PollingInterval(); !active || iv != 15*time.Minute {
		t.Fatalf("expected fallback to c1 interval, got %v %v", iv, active)
	}
	if te.ConfigFor("c2").Enabled || !te.ConfigFor("unknown").Enabled {
		t.Fatalf("company override must win, global applies otherwise")
	}
}

func TestConfigureCompanyRequiresId(t *testing.T) {
	te := newTestEngine(nil)
	if err := te.ConfigureCompany(context.Background(), " ", pollingConfig(5)); err == nil {
		t.Fatalf("expected error for empty company id")
	}
}

func TestProcessWebhookValidation(t *testing.T) {
	te := newTestEngine(nil)
	cases := []WebhookPayload{
		{},
		{Dados: WebhookData{Id: "100"}},
		{Dados: WebhookData{Situacao: "faturado"}},
		{Dados: WebhookData{Id: " ", Situacao: "faturado"}},
	}
	for i, p := range cases {
		if _, err := te.ProcessWebhook(context.Background(), p); !errors.Is(err, ErrInvalidWebhook) {
			t.Fatalf("case %d: expected ErrInvalidWebhook, got %v", i, err)
		}
	}
}

func TestProcessWebhookAppliesTransition(t *testing.T) {
	order := linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado")
	te := newTestEngine(nil, order)

	var payload WebhookPayload
	body := `{"versao":"1.0.0","cnpj":"00000000000191","tipo":"atualizacao_pedido",
		"dados":{"id":100,"numero":"5001","situacao":"Enviado","codigoRastreamento":"BR1"}}`
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	updated, err := te.ProcessWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if updated == nil || updated.Status != models.OrderStatusShipped {
		t.Fatalf("unexpected result %+v", updated)
	}
	stored := te.orders.order("o1")
	if stored.Status != models.OrderStatusShipped || stored.ERP.TrackingCode != "BR1" {
		t.Fatalf("order not persisted: %+v", stored)
	}
	entries := te.History().Entries()
	if len(entries) != 1 || entries[0].Details["trigger"] != models.SyncTriggeredWebhook {
		t.Fatalf("expected webhook history entry, got %+v", entries)
	}
	if len(te.transport.OrderCalls()) != 0 {
		t.Fatalf("webhook must not poll the ERP")
	}
}

func TestProcessWebhookUnknownOrderAndStatus(t *testing.T) {
	te := newTestEngine(nil, linkedOrder("o1", "100", models.OrderStatusApproved, "aprovado"))

	updated, err := te.ProcessWebhook(context.Background(), WebhookPayload{Dados: WebhookData{Id: "999", Situacao: "enviado"}})
	if err != nil || updated != nil {
		t.Fatalf("unknown order: expected (nil, nil), got (%v, %v)", updated, err)
	}
	_, err = te.ProcessWebhook(context.Background(), WebhookPayload{Dados: WebhookData{Id: "100", Situacao: "extraviado"}})
	if !errors.Is(err, ErrUnmappedStatus) {
		t.Fatalf("expected ErrUnmappedStatus, got %v", err)
	}
}

type staticConfigs struct {
	global    models.SyncConfig
	companies map[string]models.SyncConfig
}

func (s staticConfigs) Load(context.Context) (models.SyncConfig, map[string]models.SyncConfig, error) {
	out := make(map[string]models.SyncConfig, len(s.companies))
	for id, cfg := range s.companies {
		out[id] = cfg
	}
	return s.global, out, nil
}

func (staticConfigs) Save(context.Context, string, models.SyncConfig) error { return nil }

type companySyncFunc func(ctx context.Context, erpName string) (map[string]models.SyncConfig, error)

func (f companySyncFunc) SyncConfigs(ctx context.Context, erpName string) (map[string]models.SyncConfig, error) {
	return f(ctx, erpName)
}

func TestStartSeedsCompanyConfigFromIntegration(t *testing.T) {
	saved := pollingConfig(20)
	var askedFor string
	e, err := NewEngine(Options{
		Transport: newFakeTransport(),
		Clock:     newFakeClock(),
		Configs:   staticConfigs{global: models.DefaultSyncConfig(), companies: map[string]models.SyncConfig{"c1": saved}},
		Companies: companySyncFunc(func(_ context.Context, erpName string) (map[string]models.SyncConfig, error) {
			askedFor = erpName
			return map[string]models.SyncConfig{
				"c1": pollingConfig(7),
				"c2": pollingConfig(12),
			}, nil
		}),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	if askedFor != models.ERPNameTiny {
		t.Fatalf("expected tiny integration lookup, got %q", askedFor)
	}
	if got := e.ConfigFor("c1"); got != saved {
		t.Fatalf("saved override must win, got %+v", got)
	}
	if got := e.ConfigFor("c2"); got.IntervalMinutes != 12 || !got.AutoSync {
		t.Fatalf("expected c2 seeded from its integration, got %+v", got)
	}
	if _, active := e.PollingInterval(); !active {
		t.Fatalf("seeded auto sync config should start polling")
	}
}

func TestStartFailsWhenCompanySyncSourceFails(t *testing.T) {
	e, err := NewEngine(Options{
		Transport: newFakeTransport(),
		Clock:     newFakeClock(),
		Companies: companySyncFunc(func(context.Context, string) (map[string]models.SyncConfig, error) {
			return nil, errors.New("db down")
		}),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail")
	}
}
