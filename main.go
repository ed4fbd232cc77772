package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/t54-labs/x402-secure/config"
	"github.com/t54-labs/x402-secure/httpapi"
	"github.com/t54-labs/x402-secure/risk"
	"github.com/t54-labs/x402-secure/x402"
)

func main() {
	logLevel := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := logLevel.UnmarshalText([]byte(v)); err != nil {
			logLevel = slog.LevelInfo
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	// Wire up the risk backend.
	//   - PROXY_LOCAL_RISK=true → in-process store + evaluator, no external dependency
	//   - otherwise             → forward to RISK_ENGINE_URL
	var riskBackend risk.Backend
	if cfg.ProxyLocalRisk {
		store := risk.NewStore(cfg.LocalTTL, 10000)
		evaluator := risk.NewLocalEvaluator(store, 300)
		riskBackend = risk.NewLocalBackend(store, evaluator)
		slog.Info("risk mode: local", "ttl", cfg.LocalTTL)
	} else {
		riskBackend = risk.NewForwardBackend(cfg.RiskEngineURL, cfg.RiskInternalToken, cfg.RiskEngineCompat, cfg.RequestTimeout)
		slog.Info("risk mode: forward", "url", cfg.RiskEngineURL, "compat", cfg.RiskEngineCompat)
	}
	riskRouter := risk.NewRouter(riskBackend)

	// Wire up the x402 facilitator.
	//   - GATEWAY_PRIVATE_KEY set → self-hosted local EIP-3009 facilitator (C5a)
	//   - UPSTREAM_VERIFY_URL/UPSTREAM_SETTLE_URL set → remote facilitator forward
	//   - neither configured      → facilitator calls 503
	var facilitator x402.FacilitatorClient
	switch {
	case cfg.UseLocalFacilitator():
		lf, err := x402.NewLocalFacilitator(cfg.UpstreamRPCURL, cfg.GatewayPrivateKey, cfg.NetworkChainMap)
		if err != nil {
			slog.Error("local facilitator init failed", "err", err)
			os.Exit(1)
		}
		slog.Info("facilitator mode: local eip-3009", "rpc", cfg.UpstreamRPCURL, "pay_to", cfg.GatewayPayTo)
		facilitator = lf

	case cfg.FacilitatorConfigured():
		slog.Info("facilitator mode: remote", "verify_url", cfg.UpstreamVerifyURL, "settle_url", cfg.UpstreamSettleURL)
		facilitator = x402.NewRemoteFacilitator(cfg.UpstreamVerifyURL, cfg.UpstreamSettleURL, cfg.RequestTimeout)

	default:
		slog.Warn("facilitator mode: disabled, /x402/verify and /x402/settle will return 503")
	}

	proxy := x402.NewProxy(cfg, riskBackend, facilitator)

	router := httpapi.NewRouter(cfg, riskRouter, proxy)

	slog.Info("gateway starting",
		"addr", cfg.ListenAddr,
		"debug_enabled", cfg.DebugEnabled,
		"settle_risk_enabled", cfg.SettleRiskEnabled,
	)

	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
