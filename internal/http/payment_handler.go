package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andreasstove999/marketplace-saga/internal/payment"
)

type paymentReader interface {
	GetByOrder(ctx context.Context, orderID string) (payment.Payment, error)
}

type PaymentHandler struct {
	svc paymentReader
}

func NewPaymentHandler(svc paymentReader) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

func (h *PaymentHandler) Mount(r chi.Router) {
	r.Get("/api/payments/by-order/{orderId}", h.GetByOrder)
}

func (h *PaymentHandler) GetByOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.svc.GetByOrder(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load payment")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
