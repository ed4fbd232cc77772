// Package httpapi wires the gateway's chi router: middleware chain,
// liveness endpoint, and mounting of the /risk and /x402 route groups.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/t54-labs/x402-secure/config"
	"github.com/t54-labs/x402-secure/risk"
	"github.com/t54-labs/x402-secure/x402"
)

// NewRouter builds the full chi router: RequestID/RealIP/Recoverer
// middleware (mirroring CedrosPay-server's internal/httpserver/server.go
// chain), GET /health, and the /risk and /x402 route groups.
func NewRouter(cfg *config.Config, riskRouter *risk.Router, proxy *x402.Proxy) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", newHealthHandler(cfg))

	riskRouter.Mount(r)
	proxy.Mount(r)

	return r
}

func newHealthHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":              "ok",
			"time":                time.Now().UTC().Format(time.RFC3339),
			"upstream_verify_url": cfg.UpstreamVerifyURL,
			"upstream_settle_url": cfg.UpstreamSettleURL,
		})
	}
}
