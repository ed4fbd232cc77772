package x402

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/t54-labs/x402-secure/ap2"
	"github.com/t54-labs/x402-secure/apierr"
	"github.com/t54-labs/x402-secure/config"
	"github.com/t54-labs/x402-secure/header"
	"github.com/t54-labs/x402-secure/risk"
)

// Proxy implements C5, the facilitator proxy: /x402/verify, /x402/settle,
// and the GET /x402/debug rolling snapshot. It runs the
// INIT -> HEADERS_PARSED -> RISK_EVALUATED -> [AP2_VERIFIED] ->
// UPSTREAM_POSTED -> RESPONDED state machine sequentially for every call.
type Proxy struct {
	Config      *config.Config
	RiskBackend risk.Backend
	Facilitator FacilitatorClient // nil when neither a remote URL nor a local signing key is configured

	verifySlot debugSlot
	settleSlot debugSlot

	verifyLabel string
	settleLabel string
}

func NewProxy(cfg *config.Config, riskBackend risk.Backend, facilitator FacilitatorClient) *Proxy {
	verifyLabel, settleLabel := cfg.UpstreamVerifyURL, cfg.UpstreamSettleURL
	if cfg.UseLocalFacilitator() {
		verifyLabel, settleLabel = "local-eip3009-facilitator", "local-eip3009-facilitator"
	}
	return &Proxy{Config: cfg, RiskBackend: riskBackend, Facilitator: facilitator, verifyLabel: verifyLabel, settleLabel: settleLabel}
}

// Mount attaches the /x402 routes onto r.
func (p *Proxy) Mount(r chi.Router) {
	r.Post("/x402/verify", p.handleVerify)
	r.Post("/x402/settle", p.handleSettle)
	r.Get("/x402/debug", p.handleDebug)
}

type requestBody struct {
	X402Version         int                    `json:"x402Version"`
	PaymentPayload      map[string]interface{} `json:"paymentPayload"`
	PaymentRequirements map[string]interface{} `json:"paymentRequirements"`
	AP2Evidence         string                 `json:"ap2Evidence,omitempty"`
}

type parsedRequest struct {
	requestID     string
	body          requestBody
	paymentSecure *header.PaymentSecure
	sid           string
	tid           string
	origin        string
	paymentHeader string
	evidenceHdr   string
	payload       map[string]interface{}
	protocol      string
}

func (p *Proxy) handleVerify(w http.ResponseWriter, req *http.Request) {
	p.handle(w, req, "verify", p.verifyLabel)
}

func (p *Proxy) handleSettle(w http.ResponseWriter, req *http.Request) {
	p.handle(w, req, "settle", p.settleLabel)
}

func (p *Proxy) handle(w http.ResponseWriter, req *http.Request, op string, upstreamURL string) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	w.Header().Set("X-Request-ID", requestID)

	// HEADERS_PARSED
	parsed, perr := p.parseRequest(req, requestID)
	if perr != nil {
		apierr.WriteJSON(w, requestID, perr)
		return
	}

	// RISK_EVALUATED
	skipRisk := op == "settle" && !p.Config.SettleRiskEnabled
	var decision *risk.EvaluateResponse
	if skipRisk {
		w.Header().Set("X-Risk-Decision", "skipped")
	} else {
		var err error
		decision, err = p.RiskBackend.Evaluate(req.Context(), risk.EvaluateRequest{
			SID: parsed.sid,
			TID: parsed.tid,
			TraceContext: risk.TraceContext{
				TraceParent: parsed.paymentSecure.TraceParent,
				TraceState:  parsed.paymentSecure.TraceState,
			},
			Payment: &risk.PaymentContext{
				Protocol: parsed.protocol,
				Payload:  parsed.payload,
			},
		})
		if err != nil {
			apierr.WriteJSON(w, requestID, riskBackendError(err))
			return
		}
		w.Header().Set("X-Risk-Decision", string(decision.Decision))
		w.Header().Set("X-Risk-Decision-ID", decision.DecisionID)
		w.Header().Set("X-Risk-TTL-Seconds", fmt.Sprintf("%d", decision.TTLSeconds))

		if decision.Decision == risk.DecisionDeny {
			apierr.WriteJSON(w, requestID, apierr.New(http.StatusForbidden, apierr.CodeRiskDenied,
				"Risk denied: "+strings.Join(decision.Reasons, ", ")))
			return
		}
	}

	// [AP2_VERIFIED]
	if aerr := p.verifyAP2IfPresent(parsed); aerr != nil {
		apierr.WriteJSON(w, requestID, aerr)
		return
	}

	// UPSTREAM_POSTED
	sanitizedReqs := sanitizeRequirements(parsed.body.PaymentRequirements)
	paymentHeaderOut := parsed.paymentHeader
	if paymentHeaderOut == "" {
		canon, err := ap2.CanonicalJSON(parsed.payload)
		if err != nil {
			apierr.WriteJSON(w, requestID, apierr.New(http.StatusBadGateway, apierr.CodeUnspecified, "cannot canonicalize payment payload"))
			return
		}
		paymentHeaderOut = base64.StdEncoding.EncodeToString(canon)
	}

	x402Version := parsed.body.X402Version
	if x402Version == 0 {
		x402Version = 1
	}
	forwardBody, err := json.Marshal(map[string]interface{}{
		"x402Version":         x402Version,
		"paymentPayload":      parsed.body.PaymentPayload,
		"paymentRequirements": sanitizedReqs,
		"paymentHeader":       paymentHeaderOut,
	})
	if err != nil {
		apierr.WriteJSON(w, requestID, apierr.New(http.StatusBadGateway, apierr.CodeUnspecified, "cannot build forward request"))
		return
	}

	if p.Facilitator == nil {
		apierr.WriteJSON(w, requestID, apierr.New(http.StatusServiceUnavailable, apierr.CodeFacilitatorUnavailable,
			"no facilitator configured"))
		return
	}

	// RESPONDED
	if op == "verify" {
		result, err := p.Facilitator.Verify(req.Context(), forwardBody)
		p.recordSnapshot(&p.verifySlot, upstreamURL, requestID, forwardBody, result, err, sanitizedReqs)
		if err != nil {
			writeUpstreamError(w, requestID, err)
			return
		}
		writeJSONBody(w, http.StatusOK, result)
		return
	}

	result, err := p.Facilitator.Settle(req.Context(), forwardBody)
	p.recordSnapshot(&p.settleSlot, upstreamURL, requestID, forwardBody, result, err, sanitizedReqs)
	if err != nil {
		writeUpstreamError(w, requestID, err)
		return
	}
	writeJSONBody(w, http.StatusOK, result)
}

func (p *Proxy) parseRequest(req *http.Request, requestID string) (*parsedRequest, *apierr.Error) {
	var body requestBody
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, apierr.FromMessage(http.StatusBadRequest, "malformed request body: "+err.Error())
	}

	paymentSecureHeader := req.Header.Get("X-PAYMENT-SECURE")
	ps, err := header.ParsePaymentSecure(paymentSecureHeader)
	if err != nil {
		return nil, apierr.FromMessage(http.StatusBadRequest, err.Error())
	}

	sid, headerTID, err := header.RiskIDs(req.Header.Get("X-RISK-SESSION"), req.Header.Get("X-RISK-TRACE"), p.Config.AcceptedUUIDVersions)
	if err != nil {
		return nil, apierr.FromMessage(http.StatusBadRequest, err.Error())
	}

	origin := req.Header.Get("Origin")
	if origin == "" {
		return nil, apierr.FromMessage(http.StatusBadRequest, "Origin required")
	}

	tid := header.ResolveTraceID(headerTID, ps.TraceState)

	paymentHeader := req.Header.Get("X-PAYMENT")
	var payload map[string]interface{}
	if paymentHeader != "" {
		raw, err := base64.StdEncoding.DecodeString(paymentHeader)
		if err != nil {
			return nil, apierr.FromMessage(http.StatusBadRequest, "malformed X-PAYMENT: not valid base64")
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, apierr.FromMessage(http.StatusBadRequest, "malformed X-PAYMENT: not valid JSON")
		}
	} else {
		payload = body.PaymentPayload
	}

	protocol, _ := payload["protocol"].(string)
	if protocol == "" {
		protocol, _ = payload["scheme"].(string)
	}

	return &parsedRequest{
		requestID:     requestID,
		body:          body,
		paymentSecure: ps,
		sid:           sid,
		tid:           tid,
		origin:        origin,
		paymentHeader: paymentHeader,
		evidenceHdr:   req.Header.Get("X-AP2-EVIDENCE"),
		payload:       payload,
		protocol:      protocol,
	}, nil
}

// verifyAP2IfPresent runs the full AP2 pipeline whenever evidence is
// presented on either endpoint, per SPEC_FULL.md §4.5's intentional
// hardening over the original source. It also fails AP2_EVIDENCE_MISSING
// when the requirements' policy mandates evidence that was never supplied.
func (p *Proxy) verifyAP2IfPresent(parsed *parsedRequest) *apierr.Error {
	var reqs ap2.PaymentRequirements
	reqsRaw, err := json.Marshal(parsed.body.PaymentRequirements)
	if err != nil {
		return apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: malformed paymentRequirements")
	}
	if err := json.Unmarshal(reqsRaw, &reqs); err != nil {
		return apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: malformed paymentRequirements")
	}
	if m, ok := parsed.body.PaymentRequirements["extra"].(map[string]interface{}); ok {
		reqs.Extra = m
	}

	policy, perr := ap2.ExtractPolicy(reqs)
	if perr != nil {
		return perr
	}

	evidence, present, derr := decodeEvidence(parsed.evidenceHdr, parsed.body.AP2Evidence)
	if derr != nil {
		return derr
	}
	if !present {
		if policy.AnyMandateRequired() {
			return apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence missing")
		}
		return nil
	}

	var payload ap2.PaymentPayload
	payloadRaw, err := json.Marshal(parsed.payload)
	if err == nil {
		_ = json.Unmarshal(payloadRaw, &payload)
	}

	return ap2.Verify(ap2.Input{
		Requirements:  reqs,
		Evidence:      *evidence,
		Payload:       payload,
		Origin:        parsed.origin,
		PaymentHeader: parsed.paymentHeader,
		ChainMap:      p.Config.NetworkChainMap,
	})
}

// decodeEvidence decodes the AP2Evidence document carried either by the
// X-AP2-EVIDENCE header's mr field (base64 JSON, integrity-checked against
// ms/sz) or, absent that, a base64 ap2Evidence body field. Returns
// present=false when neither is supplied.
func decodeEvidence(headerValue, bodyField string) (*ap2.Evidence, bool, *apierr.Error) {
	if headerValue != "" {
		parsedHeader, err := header.ParseEvidence(headerValue)
		if err != nil {
			return nil, true, apierr.FromMessage(http.StatusBadRequest, err.Error())
		}
		raw, err := base64.StdEncoding.DecodeString(parsedHeader.MandateRef)
		if err != nil {
			return nil, true, apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: malformed mandate reference")
		}
		if int64(len(raw)) != parsedHeader.MandateSizeBz {
			return nil, true, apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: size mismatch")
		}
		sum := sha256.Sum256(raw)
		if parsedHeader.MandateSHA != base64.RawURLEncoding.EncodeToString(sum[:]) {
			return nil, true, apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: digest mismatch")
		}
		var decoded ap2.Evidence
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, true, apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: malformed evidence document")
		}
		return &decoded, true, nil
	}
	if bodyField != "" {
		raw, err := base64.StdEncoding.DecodeString(bodyField)
		if err != nil {
			return nil, true, apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: malformed evidence field")
		}
		var decoded ap2.Evidence
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, true, apierr.FromMessage(http.StatusUnprocessableEntity, "AP2 evidence invalid: malformed evidence document")
		}
		return &decoded, true, nil
	}
	return nil, false, nil
}

// sanitizeRequirements copies reqs, dropping null-valued top-level fields
// and narrowing extra to {name, version} only.
func sanitizeRequirements(reqs map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range reqs {
		if v == nil {
			continue
		}
		if k == "extra" {
			narrowed := map[string]interface{}{}
			if extraMap, ok := v.(map[string]interface{}); ok {
				if name, ok := extraMap["name"]; ok {
					narrowed["name"] = name
				}
				if version, ok := extraMap["version"]; ok {
					narrowed["version"] = version
				}
			}
			out["extra"] = narrowed
			continue
		}
		out[k] = v
	}
	return out
}

func (p *Proxy) recordSnapshot(slot *debugSlot, url, requestID string, sentBody []byte, result interface{}, err error, sentReqs interface{}) {
	snap := &Snapshot{
		URL:                     url,
		RequestID:               requestID,
		SentPaymentRequirements: sentReqs,
	}
	if err != nil {
		if status, ok := UpstreamStatus(err); ok {
			snap.Status = status
			snap.Body = err.Error()
		} else {
			snap.Status = http.StatusBadGateway
			snap.Body = err.Error()
		}
	} else {
		snap.Status = http.StatusOK
		raw, _ := json.Marshal(result)
		snap.Body = string(raw)
		snap.DecodedJSON = result
	}
	slot.Set(snap)
}

func (p *Proxy) handleDebug(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("X-Request-ID", strings.ReplaceAll(uuid.NewString(), "-", ""))
	if !p.Config.DebugEnabled {
		http.NotFound(w, req)
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]interface{}{
		"verify": p.verifySlot.Get(),
		"settle": p.settleSlot.Get(),
	})
}

func writeJSONBody(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeUpstreamError(w http.ResponseWriter, requestID string, err error) {
	if status, ok := UpstreamStatus(err); ok {
		apierr.WriteJSON(w, requestID, apierr.FromMessage(status, err.Error()))
		return
	}
	apierr.WriteJSON(w, requestID, apierr.New(http.StatusBadGateway, apierr.CodeUnspecified, err.Error()))
}

// riskBackendError classifies a risk.Backend error the same way the risk
// router does: known linkage errors become 400, anything carrying an
// explicit upstream status propagates verbatim, everything else is 502.
func riskBackendError(err error) *apierr.Error {
	if status, ok := risk.UpstreamStatus(err); ok {
		return apierr.FromMessage(status, err.Error())
	}
	switch err {
	case risk.ErrUnknownSID, risk.ErrUnknownTID, risk.ErrTraceNotLinked:
		return apierr.FromMessage(http.StatusBadRequest, err.Error())
	default:
		return apierr.FromMessage(http.StatusBadGateway, err.Error())
	}
}
