package erpsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmdatafocus/erp_integration/models"
	"github.com/mmdatafocus/erp_integration/notify"
	"github.com/mmdatafocus/erp_integration/tinyerp"
)

// ErrUnmappedStatus means Tiny reported a status this service does not know.
var ErrUnmappedStatus = errors.New("unmapped erp status")

var statusTable = map[string]models.OrderStatus{
	"em_aberto":         models.OrderStatusOpen,
	"aberto":            models.OrderStatusOpen,
	"em_andamento":      models.OrderStatusInReview,
	"em_analise":        models.OrderStatusInReview,
	"aprovado":          models.OrderStatusApproved,
	"preparando_envio":  models.OrderStatusPreparingShipment,
	"faturado":          models.OrderStatusInvoiced,
	"atendido":          models.OrderStatusInvoiced,
	"pronto_para_envio": models.OrderStatusReadyToShip,
	"enviado":           models.OrderStatusShipped,
	"entregue":          models.OrderStatusDelivered,
	"nao_entregue":      models.OrderStatusNotDelivered,
	"cancelado":         models.OrderStatusCancelled,
}

// NormalizeStatusToken turns "Não Entregue" or "pronto-para-envio" into "nao_entregue" style tokens.
func NormalizeStatusToken(raw string) string {
	s := strings.ToLower(tinyerp.FoldAccents(strings.TrimSpace(raw)))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}

// MapStatus resolves a raw Tiny status. Unknown tokens are an error, never a no-op.
func MapStatus(raw string) (models.OrderStatus, error) {
	if st, ok := statusTable[NormalizeStatusToken(raw)]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnmappedStatus, raw)
}

// KnownStatusTokens lists every token MapStatus accepts.
func KnownStatusTokens() []string {
	out := make([]string, 0, len(statusTable))
	for k := range statusTable {
		out = append(out, k)
	}
	return out
}

// SeverityFor classifies a new status for user notifications.
func SeverityFor(status models.OrderStatus) notify.Severity {
	switch status {
	case models.OrderStatusApproved, models.OrderStatusInvoiced, models.OrderStatusShipped,
		models.OrderStatusDelivered, models.OrderStatusReadyToShip:
		return notify.SeveritySuccess
	case models.OrderStatusCancelled, models.OrderStatusNotDelivered:
		return notify.SeverityWarning
	default:
		return notify.SeverityInfo
	}
}
