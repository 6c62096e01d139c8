package events

import "time"

// LineItem is one ordered line as it travels between participants.
type LineItem struct {
	ProductID   string `json:"productId"`
	VariantID   string `json:"variantId,omitempty"`
	SellerID    string `json:"sellerId,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice,omitempty"`
	WeightGrams int    `json:"weightGrams,omitempty"`
}

type Address struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type Contact struct {
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DeviceToken string `json:"deviceToken,omitempty"`
}

// Amounts are minor currency units.

type PaymentRequestedData struct {
	OrderID  string `json:"orderId"`
	UserID   string `json:"userId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
	Method   string `json:"method"`
}

type PaymentCompletedData struct {
	OrderID       string `json:"orderId"`
	PaymentID     string `json:"paymentId"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
}

type PaymentFailedData struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type PaymentRefundRequestedData struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type PaymentRefundedData struct {
	OrderID             string `json:"orderId"`
	PaymentID           string `json:"paymentId"`
	Amount              int64  `json:"amount"`
	RefundTransactionID string `json:"refundTransactionId,omitempty"`
}

type PaymentRefundFailedData struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

type InventoryReserveRequestedData struct {
	OrderID string     `json:"orderId"`
	Items   []LineItem `json:"items"`
}

type ReservationData struct {
	ProductID string    `json:"productId"`
	VariantID string    `json:"variantId,omitempty"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type InventoryReservedData struct {
	OrderID      string            `json:"orderId"`
	Reservations []ReservationData `json:"reservations"`
}

type Shortage struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type InventoryReserveFailedData struct {
	OrderID   string     `json:"orderId"`
	Reason    string     `json:"reason"`
	Shortages []Shortage `json:"shortages,omitempty"`
}

type InventoryReleaseRequestedData struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type InventoryReleasedData struct {
	OrderID string `json:"orderId"`
}

type ShippingPrepareRequestedData struct {
	OrderID string     `json:"orderId"`
	Items   []LineItem `json:"items"`
	Address Address    `json:"address"`
}

type ShippingPreparedData struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
	CarrierName    string `json:"carrierName"`
}

type ShippingPrepareFailedData struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type ShippingCancelRequestedData struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type ShippingCancelledData struct {
	OrderID string `json:"orderId"`
}

type ShippingDispatchedData struct {
	OrderID               string    `json:"orderId"`
	TrackingNumber        string    `json:"trackingNumber"`
	CarrierName           string    `json:"carrierName"`
	EstimatedDeliveryDate time.Time `json:"estimatedDeliveryDate"`
}

type ShippingDeliveredData struct {
	OrderID        string    `json:"orderId"`
	TrackingNumber string    `json:"trackingNumber"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// ReasonCancelledAfterDispatch is the return.initiated reason for a cancel
// request that arrived once the parcel had left.
const ReasonCancelledAfterDispatch = "order_cancelled_after_dispatch"

type ReturnInitiatedData struct {
	OrderID        string `json:"orderId"`
	Reason         string `json:"reason"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
}

type OrderCreatedData struct {
	OrderID  string     `json:"orderId"`
	UserID   string     `json:"userId"`
	Items    []LineItem `json:"items"`
	Amount   int64      `json:"amount"`
	Currency string     `json:"currency,omitempty"`
	Address  Address    `json:"address"`
	Contact  Contact    `json:"contact"`
}

type OrderCompletedData struct {
	OrderID string `json:"orderId"`
}

type OrderCancelledData struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

type NotificationSendRequestedData struct {
	OrderID  string            `json:"orderId,omitempty"`
	UserID   string            `json:"userId,omitempty"`
	Channels []string          `json:"channels"`
	Contact  Contact           `json:"contact"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Vars     map[string]string `json:"vars,omitempty"`
}
