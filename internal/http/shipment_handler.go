package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andreasstove999/marketplace-saga/internal/shipping"
)

type shipmentService interface {
	Get(ctx context.Context, orderID string) (shipping.Shipment, error)
	MarkStatus(ctx context.Context, orderID string, to shipping.Status, at time.Time) (shipping.Shipment, error)
}

type ShipmentHandler struct {
	svc shipmentService
}

func NewShipmentHandler(svc shipmentService) *ShipmentHandler {
	return &ShipmentHandler{svc: svc}
}

func (h *ShipmentHandler) Mount(r chi.Router) {
	r.Route("/api/shipments/{orderId}", func(r chi.Router) {
		r.Get("/", h.GetShipment)
		r.Post("/status", h.UpdateStatus)
	})
}

func (h *ShipmentHandler) GetShipment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	sh, err := h.svc.Get(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		if errors.Is(err, shipping.ErrNotFound) {
			writeError(w, http.StatusNotFound, "shipment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load shipment")
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

// statusUpdate is a carrier tracking callback.
type statusUpdate struct {
	Status shipping.Status `json:"status"`
	At     time.Time       `json:"at"`
}

func (h *ShipmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Status != shipping.StatusInTransit && req.Status != shipping.StatusDelivered {
		writeError(w, http.StatusBadRequest, "status must be in_transit or delivered")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sh, err := h.svc.MarkStatus(ctx, chi.URLParam(r, "orderId"), req.Status, req.At)
	switch {
	case errors.Is(err, shipping.ErrNotFound):
		writeError(w, http.StatusNotFound, "shipment not found")
	case errors.Is(err, shipping.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to update shipment")
	default:
		writeJSON(w, http.StatusOK, sh)
	}
}
