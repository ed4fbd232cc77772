package risk

import "encoding/json"

// adaptEvaluateRequestForExternalAPI rewrites an EvaluateRequest into the
// legacy dialect an older external risk engine speaks, mirroring the
// original source's _adapt_payload_for_external_api:
//
//   - rename agent_did -> agent_id (no direct analog here since
//     EvaluateRequest itself carries no agent_did; the rename applies to
//     the session-creation adapter below, kept here for symmetry of
//     naming with the source)
//   - inject a default device if absent
//   - serialize fingerprint/telemetry maps to JSON strings
//
// Evaluate requests in this gateway do not themselves carry
// fingerprint/telemetry (those live on the Trace, already persisted by the
// time /risk/evaluate runs); the compat surface that matters for evaluate
// is the outbound shape below, which keeps the same field names the
// engine's /evaluate contract expects today plus a defaulted device stub
// so older engines that require the key do not reject the call.
func adaptEvaluateRequestForExternalAPI(req EvaluateRequest) map[string]interface{} {
	out := map[string]interface{}{
		"sid":           req.SID,
		"trace_context": req.TraceContext,
	}
	if req.TID != "" {
		out["tid"] = req.TID
	}
	if req.Mandate != nil {
		out["mandate"] = req.Mandate
	}
	if req.Payment != nil {
		out["payment"] = req.Payment
	}
	out["device"] = map[string]interface{}{}
	return out
}

// adaptSessionRequestForExternalAPI applies the rename/inject part of the
// source's adapter to a session-creation call forwarded to an external
// engine: agent_did -> agent_id (falling back to wallet_address when
// agent_did is empty) and a default device if absent. A session request
// carries no fingerprint/telemetry; those are stringified by the
// trace-creation adapter below.
func adaptSessionRequestForExternalAPI(req SessionRequest) map[string]interface{} {
	agentID := req.AgentDID
	if agentID == "" {
		agentID = req.WalletAddress
	}
	device := req.Device
	if device == nil {
		device = map[string]interface{}{}
	}
	out := map[string]interface{}{
		"agent_id": agentID,
		"device":   device,
	}
	if req.WalletAddress != "" {
		out["wallet_address"] = req.WalletAddress
	}
	if req.AgentEndpoint != "" {
		out["agent_endpoint"] = req.AgentEndpoint
	}
	if req.AppID != "" {
		out["app_id"] = req.AppID
	}
	return out
}

// stringifyMapField replaces a nested map value at key in m with its JSON
// string encoding, used by the trace-creation compat adapter for
// fingerprint/telemetry.
func stringifyMapField(m map[string]interface{}, key string) {
	v, ok := m[key]
	if !ok {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	m[key] = string(raw)
}

// adaptTraceRequestForExternalAPI mirrors the source's trace-creation
// adapter: fingerprint/telemetry maps are serialized to JSON strings
// before forwarding.
func adaptTraceRequestForExternalAPI(req TraceRequest) map[string]interface{} {
	out := map[string]interface{}{
		"sid": req.SID,
	}
	if req.Fingerprint != nil {
		out["fingerprint"] = req.Fingerprint
	}
	if req.Telemetry != nil {
		out["telemetry"] = req.Telemetry
	}
	if req.AgentTrace != nil {
		out["agent_trace"] = req.AgentTrace
	}
	stringifyMapField(out, "fingerprint")
	stringifyMapField(out, "telemetry")
	return out
}

// aliasTraceIDToTID rewrites a decoded external response's trace_id key to
// tid, matching the source's response-path aliasing.
func aliasTraceIDToTID(decoded map[string]interface{}) {
	if v, ok := decoded["trace_id"]; ok {
		if _, hasTID := decoded["tid"]; !hasTID {
			decoded["tid"] = v
		}
		delete(decoded, "trace_id")
	}
}
