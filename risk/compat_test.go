package risk

import "testing"

func TestAdaptSessionRequestForExternalAPI(t *testing.T) {
	req := SessionRequest{WalletAddress: "0xabc"}
	out := adaptSessionRequestForExternalAPI(req)
	if out["agent_id"] != "0xabc" {
		t.Errorf("expected agent_id to fall back to wallet_address, got %+v", out)
	}
	if _, ok := out["device"]; !ok {
		t.Error("expected a default device to be injected")
	}
}

func TestAdaptTraceRequestStringifiesNestedMaps(t *testing.T) {
	req := TraceRequest{
		SID:         "sid-1",
		Fingerprint: map[string]interface{}{"ua": "test-agent"},
	}
	out := adaptTraceRequestForExternalAPI(req)
	if _, ok := out["fingerprint"].(string); !ok {
		t.Errorf("expected fingerprint to be stringified, got %T", out["fingerprint"])
	}
}

func TestAliasTraceIDToTID(t *testing.T) {
	decoded := map[string]interface{}{"trace_id": "abc"}
	aliasTraceIDToTID(decoded)
	if decoded["tid"] != "abc" {
		t.Errorf("expected tid aliased from trace_id, got %+v", decoded)
	}
	if _, ok := decoded["trace_id"]; ok {
		t.Error("expected trace_id key removed")
	}
}

func TestAliasTraceIDToTIDDoesNotOverwriteExistingTID(t *testing.T) {
	decoded := map[string]interface{}{"trace_id": "abc", "tid": "already-set"}
	aliasTraceIDToTID(decoded)
	if decoded["tid"] != "already-set" {
		t.Errorf("expected existing tid preserved, got %+v", decoded["tid"])
	}
}
