package inventory

import (
	"sort"
	"time"
)

// StockItem is the stock ledger of one product variant. The ledger always
// satisfies Available + Reserved + Sold = Total.
type StockItem struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
}

type Line struct {
	ProductID string
	VariantID string
	Quantity  int
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

type Reservation struct {
	OrderID   string            `json:"orderId"`
	ProductID string            `json:"productId"`
	VariantID string            `json:"variantId,omitempty"`
	Quantity  int               `json:"quantity"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type Shortage struct {
	ProductID string
	VariantID string
	Requested int
	Available int
}

type ReserveResult struct {
	Reservations []Reservation
	Shortages    []Shortage
	// Existing is set when the order already had reservations and nothing
	// was changed.
	Existing bool
}

func (r ReserveResult) Reserved() bool {
	return len(r.Shortages) == 0
}

type key struct {
	productID string
	variantID string
}

// mergeLines folds duplicate product variants together and sorts the result,
// so rows are always locked in the same order.
func mergeLines(lines []Line) []Line {
	idx := make(map[key]int, len(lines))
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		k := key{l.ProductID, l.VariantID}
		if i, ok := idx[k]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[k] = len(out)
		out = append(out, l)
	}
	sortLines(out)
	return out
}

func sortLines(lines []Line) {
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].ProductID != lines[j].ProductID {
			return lines[i].ProductID < lines[j].ProductID
		}
		return lines[i].VariantID < lines[j].VariantID
	})
}
