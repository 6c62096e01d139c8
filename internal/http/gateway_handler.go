package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
)

// Upstream is one participant API behind the gateway.
type Upstream struct {
	Name    string
	BaseURL string
	// Prefixes are the path prefixes forwarded to this upstream, e.g. "/api/orders".
	Prefixes []string
	// HealthPath defaults to /health.
	HealthPath string
}

type UpstreamHealth struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type upstream struct {
	Upstream
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// GatewayHandler forwards the public API to the participant that owns each
// path and reports upstream health.
type GatewayHandler struct {
	upstreams    []*upstream
	client       *http.Client
	timeout      time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
}

func NewGatewayHandler(upstreams []Upstream, client *http.Client, timeout time.Duration, logger *zap.Logger) (*GatewayHandler, error) {
	if client == nil {
		client = http.DefaultClient
	}
	h := &GatewayHandler{
		client:       client,
		timeout:      timeout,
		probeTimeout: 2 * time.Second,
		logger:       logger.With(zap.String("component", "gateway")),
	}
	for _, u := range upstreams {
		target, err := url.Parse(u.BaseURL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid %s base url %q", u.Name, u.BaseURL)
		}
		if u.HealthPath == "" {
			u.HealthPath = "/health"
		}
		up := &upstream{Upstream: u, target: target}
		up.proxy = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.SetXForwarded()
				if cid := middleware.GetCorrelationID(pr.In.Context()); cid != "" {
					pr.Out.Header.Set(middleware.HeaderCorrelationID, cid)
				}
			},
			Transport: client.Transport,
			ModifyResponse: func(resp *http.Response) error {
				// The gateway already answered with the correlation id.
				resp.Header.Del(middleware.HeaderCorrelationID)
				return nil
			},
			ErrorHandler: h.proxyError(u.Name),
		}
		h.upstreams = append(h.upstreams, up)
	}
	return h, nil
}

func (h *GatewayHandler) Mount(r chi.Router) {
	r.Get("/health/upstreams", h.Upstreams)
	for _, up := range h.upstreams {
		forward := h.forward(up)
		for _, p := range up.Prefixes {
			r.Handle(p, forward)
			r.Handle(p+"/*", forward)
		}
	}
}

func (h *GatewayHandler) forward(up *upstream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		up.proxy.ServeHTTP(w, r)
	}
}

func (h *GatewayHandler) proxyError(name string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Warn("upstream request failed",
			zap.String("upstream", name),
			zap.String("path", r.URL.Path),
			zap.String("correlationId", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, status, map[string]string{
			"error":         name + " unavailable",
			"correlationId": middleware.GetCorrelationID(r.Context()),
		})
	}
}

// Upstreams probes every upstream concurrently.
func (h *GatewayHandler) Upstreams(w http.ResponseWriter, r *http.Request) {
	results := make([]UpstreamHealth, len(h.upstreams))
	var g errgroup.Group
	for i, up := range h.upstreams {
		g.Go(func() error {
			results[i] = h.probe(r.Context(), up)
			return nil
		})
	}
	_ = g.Wait()

	status := "ok"
	for _, res := range results {
		if !res.OK {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"upstream": results,
	})
}

func (h *GatewayHandler) probe(ctx context.Context, up *upstream) UpstreamHealth {
	ctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, up.target.JoinPath(up.HealthPath).String(), nil)
	if err != nil {
		return UpstreamHealth{Name: up.Name, Error: err.Error()}
	}
	if cid := middleware.GetCorrelationID(ctx); cid != "" {
		req.Header.Set(middleware.HeaderCorrelationID, cid)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return UpstreamHealth{Name: up.Name, Error: err.Error()}
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	return UpstreamHealth{Name: up.Name, OK: ok, StatusCode: resp.StatusCode}
}
