package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestForwardEvaluatorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(EvaluateResponse{Decision: DecisionAllow, DecisionID: "abc", TTLSeconds: 60})
	}))
	defer srv.Close()

	f := NewForwardEvaluator(srv.URL, "token-123", false, time.Second)
	resp, err := f.Evaluate(context.Background(), EvaluateRequest{SID: "sid-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Errorf("Decision = %q, want allow", resp.Decision)
	}
	if resp.Reasons == nil || resp.Warnings == nil || resp.Extra == nil {
		t.Error("expected nil slices/maps to be normalized to empty")
	}
}

func TestForwardEvaluatorPropagatesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"blocked"}`))
	}))
	defer srv.Close()

	f := NewForwardEvaluator(srv.URL, "", false, time.Second)
	_, err := f.Evaluate(context.Background(), EvaluateRequest{SID: "sid-1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	status, ok := UpstreamStatus(err)
	if !ok || status != http.StatusForbidden {
		t.Errorf("status = %d, ok=%v, want 403/true", status, ok)
	}
}

func TestForwardEvaluatorCompatAliasesTraceID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["device"]; !ok {
			t.Error("expected compat adapter to inject a default device")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"decision": "allow", "decision_id": "abc", "ttl_seconds": 60, "trace_id": "trace-xyz",
		})
	}))
	defer srv.Close()

	f := NewForwardEvaluator(srv.URL, "", true, time.Second)
	resp, err := f.Evaluate(context.Background(), EvaluateRequest{SID: "sid-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Errorf("Decision = %q, want allow", resp.Decision)
	}
}

func TestForwardBackendCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"sid": "new-sid"})
	}))
	defer srv.Close()

	backend := NewForwardBackend(srv.URL, "tok", false, time.Second)
	resp, err := backend.CreateSession(context.Background(), SessionRequest{AgentDID: "did:web:agent.example"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SID != "new-sid" {
		t.Errorf("SID = %q, want new-sid", resp.SID)
	}
	if backend.Local() {
		t.Error("expected ForwardBackend.Local() to be false")
	}
}
