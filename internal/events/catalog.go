package events

import "strings"

// Type is a dotted `<context>.<fact>` event name. It doubles as the routing key.
type Type string

const (
	PaymentRequested       Type = "payment.requested"
	PaymentCompleted       Type = "payment.completed"
	PaymentFailed          Type = "payment.failed"
	PaymentRefundRequested Type = "payment.refund_requested"
	PaymentRefunded        Type = "payment.refunded"
	PaymentRefundFailed    Type = "payment.refund_failed"

	InventoryReserveRequested Type = "inventory.reserve_requested"
	InventoryReserved         Type = "inventory.reserved"
	InventoryReserveFailed    Type = "inventory.reserve_failed"
	InventoryReleaseRequested Type = "inventory.release_requested"
	InventoryReleased         Type = "inventory.released"

	ShippingPrepareRequested Type = "shipping.prepare_requested"
	ShippingPrepared         Type = "shipping.prepared"
	ShippingPrepareFailed    Type = "shipping.prepare_failed"
	ShippingCancelRequested  Type = "shipping.cancel_requested"
	ShippingCancelled        Type = "shipping.cancelled"
	ShippingDispatched       Type = "shipping.dispatched"
	ShippingDelivered        Type = "shipping.delivered"
	ReturnInitiated          Type = "return.initiated"

	OrderCreated   Type = "order.created"
	OrderCompleted Type = "order.completed"
	OrderCancelled Type = "order.cancelled"

	NotificationSendRequested Type = "notification.send_requested"
)

var catalog = []Type{
	PaymentRequested,
	PaymentCompleted,
	PaymentFailed,
	PaymentRefundRequested,
	PaymentRefunded,
	PaymentRefundFailed,
	InventoryReserveRequested,
	InventoryReserved,
	InventoryReserveFailed,
	InventoryReleaseRequested,
	InventoryReleased,
	ShippingPrepareRequested,
	ShippingPrepared,
	ShippingPrepareFailed,
	ShippingCancelRequested,
	ShippingCancelled,
	ShippingDispatched,
	ShippingDelivered,
	ReturnInitiated,
	OrderCreated,
	OrderCompleted,
	OrderCancelled,
	NotificationSendRequested,
}

// Catalog returns every known event type.
func Catalog() []Type {
	out := make([]Type, len(catalog))
	copy(out, catalog)
	return out
}

func Known(t Type) bool {
	for _, c := range catalog {
		if c == t {
			return true
		}
	}
	return false
}

// Context is the bounded context prefix, e.g. "payment".
func (t Type) Context() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i > 0 {
		return s[:i]
	}
	return s
}

func (t Type) String() string { return string(t) }
