package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/l0p7/tollgate/internal/config"
	"github.com/l0p7/tollgate/internal/httperr"
	"github.com/l0p7/tollgate/internal/metrics"
	"github.com/l0p7/tollgate/internal/runtime"
)

// NewRouter assembles the gateway's HTTP surface: CORS up front, the
// Prometheus endpoint, the gateway-owned status routes, and the proxied route
// table. Unknown paths and mismatched methods answer with the standard error
// envelope so clients never see a bare text body.
func NewRouter(cfg config.Config, gateway *runtime.Gateway, health *Health, recorder *metrics.Recorder) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.Server.CORS.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Tenant-Id", runtime.CorrelationHeader},
		ExposedHeaders: []string{runtime.CorrelationHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	r.NotFound(envelopeFailure(httperr.New(httperr.NotFound, "The requested endpoint does not exist.")))
	methodNotAllowed := httperr.New(httperr.BadRequest, "The method is not supported by this endpoint.")
	methodNotAllowed.Status = http.StatusMethodNotAllowed
	r.MethodNotAllowed(envelopeFailure(methodNotAllowed))

	r.Method(http.MethodGet, "/metrics", recorder.Handler())

	health.Mount(r, gateway)

	for _, rt := range Routes(cfg.Cache) {
		r.MethodFunc(rt.Method, rt.Pattern, gateway.Proxy(rt.State))
	}

	return r
}

func allowedOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

// envelopeFailure renders router-level failures with the same envelope shape
// the pipeline writes, correlation id included.
func envelopeFailure(failure *httperr.Error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := runtime.CorrelationID(r)
		w.Header().Set(runtime.CorrelationHeader, correlationID)
		httperr.WriteJSON(w, failure.Status, httperr.Envelope(failure, r.URL.Path, correlationID, time.Now()))
	}
}
