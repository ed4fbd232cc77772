package x402

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRemoteFacilitatorVerifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VerifyResult{IsValid: true, Payer: "0xabc"})
	}))
	defer srv.Close()

	f := NewRemoteFacilitator(srv.URL, srv.URL, time.Second)
	result, err := f.Verify(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsValid || result.Payer != "0xabc" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRemoteFacilitatorPropagatesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad signature"}`))
	}))
	defer srv.Close()

	f := NewRemoteFacilitator(srv.URL, srv.URL, time.Second)
	_, err := f.Verify(context.Background(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error")
	}
	status, ok := UpstreamStatus(err)
	if !ok || status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, ok=%v, want 422/true", status, ok)
	}
}

func TestRemoteFacilitatorSettleMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	f := NewRemoteFacilitator(srv.URL, srv.URL, time.Second)
	_, err := f.Settle(context.Background(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error for malformed upstream JSON")
	}
	status, ok := UpstreamStatus(err)
	if !ok || status != http.StatusBadGateway {
		t.Errorf("status = %d, ok=%v, want 502/true", status, ok)
	}
}
