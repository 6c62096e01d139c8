package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
)

// Routes is a handler group mounted on the service router.
type Routes interface {
	Mount(r chi.Router)
}

type Options struct {
	Service string
	Logger  *zap.Logger
	// Ready gates /health. Nil means always ready.
	Ready func() bool
	// CORSAllowOrigins enables CORS when set.
	CORSAllowOrigins []string
}

// NewRouter builds the router every service exposes: request ids,
// correlation ids, panic recovery, access logs and /health.
func NewRouter(opts Options, routes ...Routes) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	if len(opts.CORSAllowOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSAllowOrigins))
	}
	r.Use(chimw.Recoverer)
	r.Use(accessLog(opts.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "not ready",
				"service": opts.Service,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": opts.Service,
		})
	})
	for _, rt := range routes {
		rt.Mount(r)
	}
	return r
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.With(zap.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if r.URL.Path == "/health" {
				return
			}
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("requestId", chimw.GetReqID(r.Context())),
				zap.String("correlationId", middleware.GetCorrelationID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
