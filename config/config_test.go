package config

import "testing"

func TestParseNetworkChainMapDefaults(t *testing.T) {
	m, err := parseNetworkChainMap("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["base"] != 8453 || m["base-sepolia"] != 84532 {
		t.Errorf("unexpected defaults: %+v", m)
	}
}

func TestParseNetworkChainMapJSON(t *testing.T) {
	m, err := parseNetworkChainMap(`{"base-sepolia":84532,"polygon":137}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["base-sepolia"] != 84532 || m["polygon"] != 137 {
		t.Errorf("unexpected map: %+v", m)
	}
}

func TestParseNetworkChainMapKVPairs(t *testing.T) {
	m, err := parseNetworkChainMap("base:8453, base-sepolia:84532")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["base"] != 8453 || m["base-sepolia"] != 84532 {
		t.Errorf("unexpected map: %+v", m)
	}
}

func TestParseNetworkChainMapMalformed(t *testing.T) {
	if _, err := parseNetworkChainMap("base-only-no-colon"); err == nil {
		t.Error("expected error for malformed entry")
	}
	if _, err := parseNetworkChainMap("base:not-a-number"); err == nil {
		t.Error("expected error for non-numeric chain id")
	}
}

func TestFacilitatorConfigured(t *testing.T) {
	cfg := &Config{UpstreamVerifyURL: "http://localhost:8001/verify"}
	if !cfg.FacilitatorConfigured() {
		t.Error("expected FacilitatorConfigured true when UpstreamVerifyURL set")
	}
	if cfg.UseLocalFacilitator() {
		t.Error("expected UseLocalFacilitator false without a private key")
	}

	cfg2 := &Config{GatewayPrivateKey: "0xabc"}
	if !cfg2.FacilitatorConfigured() || !cfg2.UseLocalFacilitator() {
		t.Error("expected both true when GatewayPrivateKey set")
	}

	cfg3 := &Config{}
	if cfg3.FacilitatorConfigured() {
		t.Error("expected FacilitatorConfigured false with nothing set")
	}
}

func TestLoadLeavesFacilitatorUnconfiguredByDefault(t *testing.T) {
	t.Setenv("PROXY_LOCAL_RISK", "true")
	t.Setenv("UPSTREAM_VERIFY_URL", "")
	t.Setenv("UPSTREAM_SETTLE_URL", "")
	t.Setenv("GATEWAY_PRIVATE_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.UpstreamVerifyURL != "" || cfg.UpstreamSettleURL != "" {
		t.Errorf("expected empty upstream URLs by default, got verify=%q settle=%q", cfg.UpstreamVerifyURL, cfg.UpstreamSettleURL)
	}
	if cfg.FacilitatorConfigured() {
		t.Error("expected FacilitatorConfigured false when no upstream/local key is set via env")
	}
}

func TestLoadFacilitatorConfiguredWhenVerifyURLSet(t *testing.T) {
	t.Setenv("PROXY_LOCAL_RISK", "true")
	t.Setenv("UPSTREAM_VERIFY_URL", "http://localhost:8001/verify")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.FacilitatorConfigured() {
		t.Error("expected FacilitatorConfigured true when UPSTREAM_VERIFY_URL is set via env")
	}
}
