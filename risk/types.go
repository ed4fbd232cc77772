// Package risk implements the risk-session/trace store (C2), its local
// evaluator, and the /risk HTTP router (C3) with its local-vs-forward
// dispatch and legacy-dialect compatibility adapter.
package risk

import "time"

// Session is a RiskSession: created by POST /risk/session, keyed by sid,
// immutable after creation, TTL-evicted from the store.
type Session struct {
	SID            string                 `json:"sid"`
	AgentDID       string                 `json:"agent_did"`
	WalletAddress  string                 `json:"wallet_address,omitempty"`
	AgentEndpoint  string                 `json:"agent_endpoint,omitempty"`
	AppID          string                 `json:"app_id,omitempty"`
	Device         map[string]interface{} `json:"device,omitempty"`
	ExpiresAt      time.Time              `json:"expires_at"`
}

// Trace is an AgentTrace: created by POST /risk/trace, keyed by tid, tied
// to its owning sid, immutable after creation, TTL-evicted independently
// of its session.
type Trace struct {
	TID         string                 `json:"tid"`
	SID         string                 `json:"sid"`
	Fingerprint map[string]interface{} `json:"fingerprint,omitempty"`
	Telemetry   map[string]interface{} `json:"telemetry,omitempty"`
	AgentTrace  *AgentTraceDocument    `json:"agent_trace,omitempty"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

// AgentTraceDocument is the free-form reasoning-trace document attached to
// a Trace. Its sub-fields are schemaless JSON by design (see SPEC_FULL.md
// §9 Design Notes) except for the top-level keys the spec names.
type AgentTraceDocument struct {
	Task           string                   `json:"task"`
	Parameters     map[string]interface{}   `json:"parameters,omitempty"`
	Environment    map[string]interface{}   `json:"environment,omitempty"`
	Events         []map[string]interface{} `json:"events,omitempty"`
	ModelConfig    map[string]interface{}   `json:"model_config,omitempty"`
	SessionContext map[string]interface{}   `json:"session_context,omitempty"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

// TraceContext is the W3C distributed-trace pair consumed by every
// /risk/evaluate call.
type TraceContext struct {
	TraceParent string `json:"tp"`
	TraceState  string `json:"ts,omitempty"`
}

// PaymentContext is the protocol-agnostic payment envelope carried in an
// EvaluateRequest.
type PaymentContext struct {
	Protocol string                 `json:"protocol,omitempty"`
	Version  int                    `json:"version,omitempty"`
	Network  string                 `json:"network,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Headers  map[string]interface{} `json:"headers,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty"`
}

// MandateMeta describes an AP2 mandate reference attached to an
// EvaluateRequest (optional).
type MandateMeta struct {
	Ref       string `json:"ref"`
	SHA256B64 string `json:"sha256_b64url"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
}

// Level is a RiskDecision's coarse-grained risk classification.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Decision is one of RiskDecision.Decision's three outcomes.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionReview Decision = "review"
)

// EvaluateRequest is the body of POST /risk/evaluate.
type EvaluateRequest struct {
	SID          string          `json:"sid"`
	TID          string          `json:"tid,omitempty"`
	TraceContext TraceContext    `json:"trace_context"`
	Mandate      *MandateMeta    `json:"mandate,omitempty"`
	Payment      *PaymentContext `json:"payment,omitempty"`
}

// EvaluateResponse is the body of /risk/evaluate's 200 response, also
// called RiskDecision in the data model.
type EvaluateResponse struct {
	Decision    Decision               `json:"decision"`
	Reasons     []string               `json:"reasons"`
	DecisionID  string                 `json:"decision_id"`
	TTLSeconds  int64                  `json:"ttl_seconds"`
	UsedMandate bool                   `json:"used_mandate"`
	Warnings    []string               `json:"warnings"`
	RiskLevel   Level                  `json:"risk_level"`
	Extra       map[string]interface{} `json:"extra"`
}

// SessionRequest is the body of POST /risk/session.
type SessionRequest struct {
	AgentDID      string                 `json:"agent_did"`
	WalletAddress string                 `json:"wallet_address,omitempty"`
	AgentEndpoint string                 `json:"agent_endpoint,omitempty"`
	AppID         string                 `json:"app_id,omitempty"`
	Device        map[string]interface{} `json:"device,omitempty"`
}

// SessionResponse is the body of POST /risk/session's 200 response.
type SessionResponse struct {
	SID       string    `json:"sid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TraceRequest is the body of POST /risk/trace.
type TraceRequest struct {
	SID         string                 `json:"sid"`
	Fingerprint map[string]interface{} `json:"fingerprint,omitempty"`
	Telemetry   map[string]interface{} `json:"telemetry,omitempty"`
	AgentTrace  *AgentTraceDocument    `json:"agent_trace,omitempty"`
}

// TraceResponse is the body of POST /risk/trace's 200 response.
type TraceResponse struct {
	TID string `json:"tid"`
}
