package risk

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestRouter() (*chi.Mux, *LocalBackend) {
	store := NewStore(time.Minute, 0)
	backend := NewLocalBackend(store, NewLocalEvaluator(store, 300))
	r := chi.NewRouter()
	NewRouter(backend).Mount(r)
	return r, backend
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionRequiresAgentDID(t *testing.T) {
	r, _ := newTestRouter()
	rec := doJSON(t, r, http.MethodPost, "/risk/session", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateSessionRejectsBadWalletAddress(t *testing.T) {
	r, _ := newTestRouter()
	rec := doJSON(t, r, http.MethodPost, "/risk/session", map[string]string{
		"agent_did":      "did:web:agent.example",
		"wallet_address": "not-an-address",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateSessionTraceEvaluateFlow(t *testing.T) {
	r, _ := newTestRouter()

	sessRec := doJSON(t, r, http.MethodPost, "/risk/session", map[string]string{"agent_did": "did:web:agent.example"})
	if sessRec.Code != http.StatusOK {
		t.Fatalf("session status = %d, want 200, body=%s", sessRec.Code, sessRec.Body.String())
	}
	var sess SessionResponse
	if err := json.Unmarshal(sessRec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if sess.SID == "" {
		t.Fatal("expected a minted sid")
	}

	traceRec := doJSON(t, r, http.MethodPost, "/risk/trace", map[string]string{"sid": sess.SID})
	if traceRec.Code != http.StatusOK {
		t.Fatalf("trace status = %d, want 200, body=%s", traceRec.Code, traceRec.Body.String())
	}
	var tr TraceResponse
	if err := json.Unmarshal(traceRec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode trace response: %v", err)
	}

	evalRec := doJSON(t, r, http.MethodPost, "/risk/evaluate", EvaluateRequest{SID: sess.SID, TID: tr.TID})
	if evalRec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d, want 200, body=%s", evalRec.Code, evalRec.Body.String())
	}
	var resp EvaluateResponse
	if err := json.Unmarshal(evalRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode evaluate response: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Errorf("Decision = %q, want %q", resp.Decision, DecisionAllow)
	}

	getRec := httptest.NewRequest(http.MethodGet, "/risk/trace/"+tr.TID, nil)
	getRecW := httptest.NewRecorder()
	r.ServeHTTP(getRecW, getRec)
	if getRecW.Code != http.StatusOK {
		t.Fatalf("get trace status = %d, want 200", getRecW.Code)
	}
}

func TestGetTraceUnknownIsNotFound(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/risk/trace/00000000-0000-0000-0000-000000000000", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetTraceUnsupportedInForwardMode(t *testing.T) {
	r := chi.NewRouter()
	forward := NewForwardBackend("http://example.invalid", "", false, time.Second)
	NewRouter(forward).Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/risk/trace/some-tid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}
