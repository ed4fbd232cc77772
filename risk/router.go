package risk

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/t54-labs/x402-secure/apierr"
)

var walletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Router wires the three /risk endpoints plus the local-only diagnostics
// endpoint onto a chi router, dispatching every call to Backend.
type Router struct {
	Backend Backend
}

func NewRouter(backend Backend) *Router {
	return &Router{Backend: backend}
}

// Mount attaches the /risk routes onto r.
func (rt *Router) Mount(r chi.Router) {
	r.Post("/risk/session", rt.handleCreateSession)
	r.Post("/risk/trace", rt.handleCreateTrace)
	r.Post("/risk/evaluate", rt.handleEvaluate)
	r.Get("/risk/trace/{tid}", rt.handleGetTrace)
}

func (rt *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body SessionRequest
	if err := decodeJSON(req, &body); err != nil {
		writeBadRequest(w, req, err.Error())
		return
	}
	if body.AgentDID == "" {
		writeBadRequest(w, req, "agent_did required")
		return
	}
	if body.WalletAddress != "" && !walletAddressPattern.MatchString(body.WalletAddress) {
		writeBadRequest(w, req, "wallet_address must match ^0x[0-9a-fA-F]{40}$")
		return
	}

	resp, err := rt.Backend.CreateSession(req.Context(), body)
	if err != nil {
		writeBackendError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleCreateTrace(w http.ResponseWriter, req *http.Request) {
	var body TraceRequest
	if err := decodeJSON(req, &body); err != nil {
		writeBadRequest(w, req, err.Error())
		return
	}
	if body.SID == "" {
		writeBadRequest(w, req, "sid required")
		return
	}

	resp, err := rt.Backend.CreateTrace(req.Context(), body)
	if err != nil {
		writeBackendError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleEvaluate(w http.ResponseWriter, req *http.Request) {
	var body EvaluateRequest
	if err := decodeJSON(req, &body); err != nil {
		writeBadRequest(w, req, err.Error())
		return
	}
	if body.SID == "" {
		writeBadRequest(w, req, "sid required")
		return
	}

	resp, err := rt.Backend.Evaluate(req.Context(), body)
	if err != nil {
		writeBackendError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleGetTrace(w http.ResponseWriter, req *http.Request) {
	if !rt.Backend.Local() {
		apierr.WriteJSON(w, requestIDOf(req), apierr.New(http.StatusNotImplemented, apierr.CodeUnspecified, "diagnostics only available in local mode"))
		return
	}
	tid := chi.URLParam(req, "tid")
	tr, ok, err := rt.Backend.GetTrace(tid)
	if err != nil {
		writeBackendError(w, req, err)
		return
	}
	if !ok {
		writeNotFound(w, req, "unknown tid")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func decodeJSON(req *http.Request, dst interface{}) error {
	defer req.Body.Close()
	dec := json.NewDecoder(req.Body)
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, req *http.Request, message string) {
	apierr.WriteJSON(w, requestIDOf(req), apierr.FromMessage(http.StatusBadRequest, message))
}

func writeNotFound(w http.ResponseWriter, req *http.Request, message string) {
	apierr.WriteJSON(w, requestIDOf(req), apierr.FromMessage(http.StatusNotFound, message))
}

// writeBackendError maps a Backend error to the HTTP status the failure
// semantics in SPEC_FULL.md §4.3 require: known store errors -> 400,
// upstream-carried statuses propagate verbatim, anything else -> 502.
func writeBackendError(w http.ResponseWriter, req *http.Request, err error) {
	if status, ok := UpstreamStatus(err); ok {
		apierr.WriteJSON(w, requestIDOf(req), apierr.FromMessage(status, err.Error()))
		return
	}
	switch err {
	case ErrUnknownSID, ErrUnknownTID, ErrTraceNotLinked:
		apierr.WriteJSON(w, requestIDOf(req), apierr.FromMessage(http.StatusBadRequest, err.Error()))
	default:
		apierr.WriteJSON(w, requestIDOf(req), apierr.FromMessage(http.StatusBadGateway, err.Error()))
	}
}

func requestIDOf(req *http.Request) string {
	if v := req.Header.Get("X-Request-ID"); v != "" {
		return v
	}
	return ""
}
