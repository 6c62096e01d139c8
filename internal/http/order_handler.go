package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
	"github.com/andreasstove999/marketplace-saga/internal/order"
)

type orderService interface {
	Place(ctx context.Context, req order.PlaceRequest, correlationID string) (order.Order, error)
	Get(ctx context.Context, orderID string) (order.Order, error)
	Cancel(ctx context.Context, orderID, reason string) (order.Order, error)
	ListByUser(ctx context.Context, userID string) ([]order.Order, error)
}

type OrderHandler struct {
	svc orderService
}

func NewOrderHandler(svc orderService) *OrderHandler {
	return &OrderHandler{svc: svc}
}

func (h *OrderHandler) Mount(r chi.Router) {
	r.Post("/api/orders", h.PlaceOrder)
	r.Get("/api/orders/{orderId}", h.GetOrder)
	r.Post("/api/orders/{orderId}/cancel", h.CancelOrder)
	r.Get("/api/users/{userId}/orders", h.ListOrdersByUser)
}

func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.svc.Place(ctx, req, middleware.GetCorrelationID(r.Context()))
	if err != nil {
		if errors.Is(err, order.ErrInvalidOrder) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to place order")
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeJSON(w, http.StatusAccepted, o)
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.svc.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.svc.Cancel(ctx, orderID, req.Reason)
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
	default:
		writeJSON(w, http.StatusAccepted, o)
	}
}

func (h *OrderHandler) ListOrdersByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	orders, err := h.svc.ListByUser(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}
