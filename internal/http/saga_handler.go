package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andreasstove999/marketplace-saga/internal/saga"
)

type sagaReader interface {
	Get(ctx context.Context, sagaID string) (saga.Projection, error)
	ByOrder(ctx context.Context, orderID string) (saga.Projection, error)
}

type SagaHandler struct {
	projections sagaReader
}

func NewSagaHandler(projections sagaReader) *SagaHandler {
	return &SagaHandler{projections: projections}
}

func (h *SagaHandler) Mount(r chi.Router) {
	r.Route("/api/sagas", func(r chi.Router) {
		r.Get("/{sagaId}", h.GetSaga)
		r.Get("/by-order/{orderId}", h.GetSagaByOrder)
	})
}

func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	p, err := h.projections.Get(ctx, chi.URLParam(r, "sagaId"))
	h.respond(w, p, err)
}

func (h *SagaHandler) GetSagaByOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	p, err := h.projections.ByOrder(ctx, chi.URLParam(r, "orderId"))
	h.respond(w, p, err)
}

func (h *SagaHandler) respond(w http.ResponseWriter, p saga.Projection, err error) {
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			writeError(w, http.StatusNotFound, "saga not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load saga")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
