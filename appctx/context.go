package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> models).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCompanyId     = ContextKey("CompanyId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyTrigger records what started a sync ("manual", "polling", "webhook", "pubsub").
	ContextKeyTrigger = ContextKey("Trigger")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func CompanyId(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyCompanyId)
	return v
}

func WithCompanyId(ctx context.Context, companyId string) context.Context {
	return Set(ctx, ContextKeyCompanyId, companyId)
}

func CorrelationId(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyCorrelationId)
	return v
}

func WithCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func Trigger(ctx context.Context) string {
	v, _ := GetString(ctx, ContextKeyTrigger)
	return v
}

func WithTrigger(ctx context.Context, trigger string) context.Context {
	return Set(ctx, ContextKeyTrigger, trigger)
}
