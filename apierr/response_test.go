package apierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, "req-123", New(403, CodeRiskDenied, "Risk denied: velocity"))

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "req-123")
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if env.Error.Code != CodeRiskDenied {
		t.Errorf("error.code = %q, want %q", env.Error.Code, CodeRiskDenied)
	}
	if env.RequestID != "req-123" {
		t.Errorf("request_id = %q, want %q", env.RequestID, "req-123")
	}
}

func TestWriteStatusDerivesCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteStatus(rec, "req-456", 400, "X-RISK-SESSION required")

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if env.Error.Code != CodeRiskSessionInvalid {
		t.Errorf("error.code = %q, want %q", env.Error.Code, CodeRiskSessionInvalid)
	}
}
