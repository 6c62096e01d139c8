package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andreasstove999/marketplace-saga/internal/inventory"
)

type stockStore interface {
	Get(ctx context.Context, productID, variantID string) (inventory.StockItem, error)
	SetAvailable(ctx context.Context, productID, variantID string, available int) error
}

type InventoryHandler struct {
	repo stockStore
}

func NewInventoryHandler(repo stockStore) *InventoryHandler {
	return &InventoryHandler{repo: repo}
}

func (h *InventoryHandler) Mount(r chi.Router) {
	r.Route("/api/inventory", func(r chi.Router) {
		r.Get("/{productId}", h.GetAvailability)
		r.Post("/adjust", h.AdjustAvailability)
	})
}

func (h *InventoryHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	item, err := h.repo.Get(ctx, productID, r.URL.Query().Get("variantId"))
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load stock")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type adjustRequest struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Available int    `json:"available"`
}

func (h *InventoryHandler) AdjustAvailability(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ProductID == "" || req.Available < 0 {
		writeError(w, http.StatusBadRequest, "productId is required and available must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.repo.SetAvailable(ctx, req.ProductID, req.VariantID, req.Available); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to adjust stock")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
