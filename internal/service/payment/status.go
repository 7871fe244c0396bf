package payment

import (
	"strings"

	"github.com/Additional-Code/remedio/internal/entity"
)

// Mapping is the local effect of one gateway payment status.
type Mapping struct {
	PaymentStatus entity.PaymentStatus
	CancelOrder   bool
}

var gatewayStatuses = map[string]Mapping{
	"CONFIRMED":        {PaymentStatus: entity.PaymentConfirmed},
	"RECEIVED":         {PaymentStatus: entity.PaymentConfirmed},
	"RECEIVED_IN_CASH": {PaymentStatus: entity.PaymentConfirmed},

	"OVERDUE": {PaymentStatus: entity.PaymentOverdue},

	"REFUNDED":         {PaymentStatus: entity.PaymentRefunded, CancelOrder: true},
	"REFUND_REQUESTED": {PaymentStatus: entity.PaymentRefunded, CancelOrder: true},

	"CHARGEBACK_REQUESTED":         {PaymentStatus: entity.PaymentCancelled, CancelOrder: true},
	"CHARGEBACK_DISPUTE":           {PaymentStatus: entity.PaymentCancelled, CancelOrder: true},
	"AWAITING_CHARGEBACK_REVERSAL": {PaymentStatus: entity.PaymentCancelled, CancelOrder: true},
	"DUNNING_REQUESTED":            {PaymentStatus: entity.PaymentCancelled, CancelOrder: true},
	"DUNNING_RECEIVED":             {PaymentStatus: entity.PaymentCancelled, CancelOrder: true},

	"PENDING":                {PaymentStatus: entity.PaymentPending},
	"AWAITING_RISK_ANALYSIS": {PaymentStatus: entity.PaymentPending},
}

// MapGatewayStatus translates a gateway status; ok is false for statuses we do not act on.
// Payment confirmation never approves the order by itself.
func MapGatewayStatus(status string) (Mapping, bool) {
	m, ok := gatewayStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return m, ok
}
