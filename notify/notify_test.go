package notify

import (
	"context"
	"errors"
	"testing"
)

type panicNotifier struct{}

func (panicNotifier) Notify(context.Context, string, Severity) error { panic("boom") }

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, string, Severity) error {
	f.calls++
	return errors.New("unreachable")
}

func TestSafeSwallowsPanicsAndErrors(t *testing.T) {
	ctx := context.Background()
	if err := NewSafe(panicNotifier{}).Notify(ctx, "hello", SeverityInfo); err != nil {
		t.Fatalf("expected nil error after panic, got %v", err)
	}
	f := &failingNotifier{}
	if err := NewSafe(f).Notify(ctx, "hello", SeverityError); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected inner notifier to be called once, got %d", f.calls)
	}
	var nilSafe *Safe
	if err := nilSafe.Notify(ctx, "x", SeverityInfo); err != nil {
		t.Fatalf("nil safe notifier should be a no-op")
	}
}

func TestMultiCallsEveryNotifier(t *testing.T) {
	a, b := &failingNotifier{}, &failingNotifier{}
	err := Multi{a, nil, b}.Notify(context.Background(), "x", SeverityWarning)
	if err == nil {
		t.Fatalf("expected first error to be returned")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected both notifiers called, got %d %d", a.calls, b.calls)
	}
}

func TestPubSubNotifierPublishesMessage(t *testing.T) {
	var got Message
	n := &PubSubNotifier{topic: "tiny-notify", publish: func(_ context.Context, topic string, obj interface{}, _ bool) (string, error) {
		if topic != "tiny-notify" {
			t.Fatalf("unexpected topic %q", topic)
		}
		got = obj.(Message)
		return "1", nil
	}}
	if err := n.Notify(context.Background(), "Pedido faturado", SeveritySuccess); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Message != "Pedido faturado" || got.Severity != SeveritySuccess {
		t.Fatalf("unexpected message %+v", got)
	}
}
