package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func buildSignedEnvelope(t *testing.T, f *LocalFacilitator, to string, value, validBefore int64) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	envJSON := fmt.Sprintf(`{
		"paymentPayload": {"payload": {"authorization": {
			"from": %q, "to": %q, "value": "%d",
			"validAfter": "0", "validBefore": "%d",
			"nonce": "0x%064x"
		}}},
		"paymentRequirements": {"network": "base-sepolia", "asset": "0x00000000000000000000000000000000000001", "payTo": %q, "maxAmountRequired": "1000000"}
	}`, from, to, value, validBefore, 1, to)

	env, err := parseForwardEnvelope([]byte(envJSON))
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	digest, _, _, err := f.eip3009Digest(env)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27

	var generic map[string]interface{}
	_ = json.Unmarshal([]byte(envJSON), &generic)
	payload := generic["paymentPayload"].(map[string]interface{})["payload"].(map[string]interface{})
	payload["signature"] = "0x" + hex.EncodeToString(sig)
	out, err := json.Marshal(generic)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return out
}

func TestLocalFacilitatorVerifySuccess(t *testing.T) {
	f, err := newTestLocalFacilitator(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payTo := "0x000000000000000000000000000000000000aa"
	body := buildSignedEnvelope(t, f, payTo, 500000, time.Now().Add(time.Hour).Unix())

	result, err := f.Verify(context.Background(), body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid {
		t.Errorf("expected valid, got invalidReason=%q", result.InvalidReason)
	}
}

func TestLocalFacilitatorVerifyExpired(t *testing.T) {
	f, err := newTestLocalFacilitator(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payTo := "0x000000000000000000000000000000000000aa"
	body := buildSignedEnvelope(t, f, payTo, 500000, time.Now().Add(-time.Hour).Unix())

	result, err := f.Verify(context.Background(), body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsValid {
		t.Fatal("expected an expired authorization to be rejected")
	}
}

func TestLocalFacilitatorVerifyAmountTooHigh(t *testing.T) {
	f, err := newTestLocalFacilitator(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payTo := "0x000000000000000000000000000000000000aa"
	body := buildSignedEnvelope(t, f, payTo, 5_000_000, time.Now().Add(time.Hour).Unix())

	result, err := f.Verify(context.Background(), body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsValid {
		t.Fatal("expected amount exceeding maxAmountRequired to be rejected")
	}
}

func newTestLocalFacilitator(t *testing.T) (*LocalFacilitator, error) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate relayer key: %v", err)
	}
	return NewLocalFacilitator("http://localhost:8545", hex.EncodeToString(crypto.FromECDSA(key)), map[string]int64{
		"base-sepolia": 84532,
	})
}
