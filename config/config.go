// Package config loads gateway configuration from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration. It is built once at startup by
// Load and is read-only thereafter; handlers receive it by pointer.
type Config struct {
	// ListenAddr is the HTTP bind address for the gateway process.
	ListenAddr string

	// UpstreamVerifyURL / UpstreamSettleURL are the forward targets for the
	// facilitator proxy when no local signing key is configured.
	UpstreamVerifyURL string
	UpstreamSettleURL string

	// RequestTimeout bounds every outbound HTTP call (evaluator and
	// upstream facilitator).
	RequestTimeout time.Duration

	// DebugEnabled exposes GET /x402/debug.
	DebugEnabled bool

	// SettleRiskEnabled gates /x402/settle on a risk evaluation call.
	SettleRiskEnabled bool

	// ProxyLocalRisk selects the in-process risk store/evaluator instead of
	// forwarding to an external risk engine.
	ProxyLocalRisk bool

	// RiskEngineURL is the forward target when ProxyLocalRisk is false.
	RiskEngineURL string

	// RiskEngineCompat enables the legacy-dialect payload adapter for the
	// external risk engine.
	RiskEngineCompat bool

	// RiskInternalToken is forwarded as a bearer token to the risk engine.
	RiskInternalToken string

	// NetworkChainMap resolves a CAIP network name to an EIP-712 chain id,
	// used by the AP2 verifier's optional signature-recovery step.
	NetworkChainMap map[string]int64

	// LocalTTL is the session/trace lifetime used by the in-memory store.
	LocalTTL time.Duration

	// GatewayPrivateKey, when set, enables the local EIP-3009 facilitator
	// (C5a) instead of forwarding verify/settle calls to UpstreamVerifyURL /
	// UpstreamSettleURL.
	GatewayPrivateKey string

	// UpstreamRPCURL is the EVM JSON-RPC endpoint the local facilitator
	// submits settlement transactions to.
	UpstreamRPCURL string

	// GatewayPayTo is the payee address logged at startup in local
	// facilitator mode. It is not passed to the local facilitator, whose
	// verify step checks the recipient against paymentRequirements.payTo.
	GatewayPayTo string

	// AcceptedUUIDVersions constrains which UUID versions sid/tid/risk-id
	// headers accept (source behavior: v1 or v4; kept configurable per the
	// spec's own open question).
	AcceptedUUIDVersions []int
}

// defaultNetworkChainMap mirrors the original source's hardcoded fallback
// ({"base": 8453, "base-sepolia": 84532}).
func defaultNetworkChainMap() map[string]int64 {
	return map[string]int64{
		"base":         8453,
		"base-sepolia": 84532,
	}
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present (dev convenience); it is a
// no-op in production where real env vars are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),
		UpstreamVerifyURL:    getEnv("UPSTREAM_VERIFY_URL", ""),
		UpstreamSettleURL:    getEnv("UPSTREAM_SETTLE_URL", ""),
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,
		DebugEnabled:         getEnvBool("DEBUG_ENABLED", true),
		SettleRiskEnabled:    getEnvBool("SETTLE_RISK_ENABLED", false),
		ProxyLocalRisk:       getEnvBool("PROXY_LOCAL_RISK", false),
		RiskEngineURL:        getEnv("RISK_ENGINE_URL", ""),
		RiskEngineCompat:     getEnvBool("RISK_ENGINE_COMPAT", false),
		RiskInternalToken:    getEnv("RISK_INTERNAL_TOKEN", ""),
		LocalTTL:             time.Duration(getEnvInt("LOCAL_TTL_SECONDS", 900)) * time.Second,
		GatewayPrivateKey:    getEnv("GATEWAY_PRIVATE_KEY", ""),
		UpstreamRPCURL:       getEnv("UPSTREAM_RPC_URL", ""),
		GatewayPayTo:         getEnv("GATEWAY_PAY_TO", ""),
		AcceptedUUIDVersions: []int{1, 4},
	}

	chainMap, err := parseNetworkChainMap(getEnv("PROXY_NETWORK_CHAIN_MAP", ""))
	if err != nil {
		return nil, fmt.Errorf("PROXY_NETWORK_CHAIN_MAP: %w", err)
	}
	cfg.NetworkChainMap = chainMap

	if !cfg.ProxyLocalRisk && cfg.RiskEngineURL == "" {
		return nil, fmt.Errorf("RISK_ENGINE_URL is required unless PROXY_LOCAL_RISK=true")
	}

	return cfg, nil
}

// parseNetworkChainMap accepts either a JSON object ({"base":8453,...}) or a
// comma-separated "k:v,k:v" string, mirroring the original source's
// _env_chain_map. An empty input returns the documented defaults.
func parseNetworkChainMap(raw string) (map[string]int64, error) {
	if raw == "" {
		return defaultNetworkChainMap(), nil
	}
	out := map[string]int64{}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var asJSON map[string]int64
		if err := json.Unmarshal([]byte(trimmed), &asJSON); err != nil {
			return nil, fmt.Errorf("invalid JSON map: %w", err)
		}
		for k, v := range asJSON {
			out[k] = v
		}
		return out, nil
	}
	for _, pair := range strings.Split(trimmed, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		chainID, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chain id in %q: %w", pair, err)
		}
		out[strings.TrimSpace(kv[0])] = chainID
	}
	return out, nil
}

// FacilitatorConfigured reports whether any upstream facilitator (remote or
// local-signing) is available.
func (c *Config) FacilitatorConfigured() bool {
	return c.GatewayPrivateKey != "" || c.UpstreamVerifyURL != ""
}

// UseLocalFacilitator reports whether the local EIP-3009 facilitator (C5a)
// should be used instead of forwarding to a remote facilitator.
func (c *Config) UseLocalFacilitator() bool {
	return c.GatewayPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
