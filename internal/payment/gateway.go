package payment

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
)

type ChargeRequest struct {
	OrderID        string `json:"orderId"`
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency,omitempty"`
	Method         string `json:"method"`
	IdempotencyKey string `json:"-"`
}

type ChargeResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

type RefundRequest struct {
	OrderID        string `json:"orderId"`
	TransactionID  string `json:"transactionId"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"-"`
}

type RefundResult struct {
	Success             bool   `json:"success"`
	RefundTransactionID string `json:"refundTransactionId,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

// Gateway is the external payment provider. A returned error and an
// unsuccessful result are both treated as a failed call.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// HTTPGateway talks to a provider exposing /v1/charges and /v1/refunds.
type HTTPGateway struct {
	c *httpclient.Client
}

func NewHTTPGateway(c *httpclient.Client) *HTTPGateway {
	return &HTTPGateway{c: c}
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var res ChargeResult
	err := g.c.Do(ctx, http.MethodPost, "/v1/charges", idempotency(req.IdempotencyKey), req, &res)
	return res, err
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var res RefundResult
	err := g.c.Do(ctx, http.MethodPost, "/v1/refunds", idempotency(req.IdempotencyKey), req, &res)
	return res, err
}

func idempotency(key string) http.Header {
	h := http.Header{}
	if key != "" {
		h.Set("Idempotency-Key", key)
	}
	return h
}

// SimulatedGateway is an in-process provider for local runs. It declines
// charges above Limit and remembers results per idempotency key.
type SimulatedGateway struct {
	Limit int64

	mu      sync.Mutex
	charges map[string]ChargeResult
	refunds map[string]RefundResult
}

func NewSimulatedGateway(limit int64) *SimulatedGateway {
	return &SimulatedGateway{
		Limit:   limit,
		charges: map[string]ChargeResult{},
		refunds: map[string]RefundResult{},
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	res := ChargeResult{Success: true, TransactionID: "tx_" + uuid.NewString()}
	if g.Limit > 0 && req.Amount > g.Limit {
		res = ChargeResult{ErrorMessage: fmt.Sprintf("amount %d exceeds limit %d", req.Amount, g.Limit)}
	}
	g.charges[req.IdempotencyKey] = res
	return res, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	res := RefundResult{Success: true, RefundTransactionID: "rf_" + uuid.NewString()}
	g.refunds[req.IdempotencyKey] = res
	return res, nil
}
