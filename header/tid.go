package header

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
)

// ResolveTraceID extracts the effective tid for a request: the
// X-RISK-TRACE header wins if present; otherwise it is decoded from the
// tracestate field of X-PAYMENT-SECURE (urlencoded base64 JSON carrying
// {"tid": "..."}). Returns "" if neither source yields one.
//
// This precedence (header wins) matches the original source's
// proxy_verify(): extracted_tid is set from the header first and only
// falls back to decoding tracestate when the header is absent.
func ResolveTraceID(headerTID string, traceState string) string {
	if headerTID != "" {
		return headerTID
	}
	if traceState == "" {
		return ""
	}
	unescaped, err := url.QueryUnescape(traceState)
	if err != nil {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(unescaped)
	if err != nil {
		return ""
	}
	var payload struct {
		TID string `json:"tid"`
	}
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return ""
	}
	return payload.TID
}
