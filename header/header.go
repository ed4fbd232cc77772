// Package header implements the gateway's structured HTTP header grammars:
// X-PAYMENT-SECURE (a W3C traceparent/tracestate carrier), X-AP2-EVIDENCE
// (a mandate reference), and the X-RISK-SESSION/X-RISK-TRACE risk-id pair.
//
// Each parser fails with a single error kind (Error) on any grammar
// deviation, matching the original source's fail-fast HeaderError.
package header

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Error is the single error kind every parser in this package returns.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

var (
	hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)
	hex16 = regexp.MustCompile(`^[0-9a-f]{16}$`)
	hex2  = regexp.MustCompile(`^[0-9a-f]{2}$`)
)

const (
	maxPaymentSecureLen = 4096
	maxEvidenceLen      = 2048
	paymentSecureTag    = "w3c.v1"
	evidenceTag         = "evd.v1"
)

// PaymentSecure is the decoded form of X-PAYMENT-SECURE: a traceparent and
// an optional opaque tracestate.
type PaymentSecure struct {
	TraceParent string
	TraceState  string // empty if absent
}

// ParsePaymentSecure parses and validates an X-PAYMENT-SECURE header value.
func ParsePaymentSecure(value string) (*PaymentSecure, error) {
	if len(value) > maxPaymentSecureLen {
		return nil, errorf("X-PAYMENT-SECURE too large")
	}
	parts := splitSegments(value)
	if len(parts) == 0 || parts[0] != paymentSecureTag {
		return nil, errorf("Unsupported X-PAYMENT-SECURE version")
	}
	kv, err := parseKV(parts[1:], "X-PAYMENT-SECURE", "tp", "ts")
	if err != nil {
		return nil, err
	}
	tp, ok := kv["tp"]
	if !ok {
		return nil, errorf("traceparent (tp) required")
	}
	if err := ValidateTraceParent(tp); err != nil {
		return nil, err
	}
	return &PaymentSecure{TraceParent: tp, TraceState: kv["ts"]}, nil
}

// ValidateTraceParent enforces the W3C traceparent grammar:
// 00-<32 hex trace-id>-<16 hex span-id>-<2 hex flags>, with non-zero
// trace-id and span-id.
func ValidateTraceParent(tp string) error {
	parts := strings.Split(tp, "-")
	if len(parts) != 4 {
		return errorf("traceparent format invalid")
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]
	if version != "00" {
		return errorf("traceparent version must be 00")
	}
	if !hex32.MatchString(traceID) {
		return errorf("trace_id invalid")
	}
	if !hex16.MatchString(spanID) {
		return errorf("span_id invalid")
	}
	if !hex2.MatchString(flags) {
		return errorf("flags invalid")
	}
	if traceID == strings.Repeat("0", 32) {
		return errorf("trace_id cannot be all zeros")
	}
	if spanID == strings.Repeat("0", 16) {
		return errorf("span_id cannot be all zeros")
	}
	return nil
}

// Evidence is the decoded form of X-AP2-EVIDENCE.
type Evidence struct {
	MandateRef    string // mr
	MandateSHA    string // ms: base64url of a 32-byte digest
	MandateType   string // mt: always "application/json"
	MandateSizeBz int64  // sz: decimal byte count
}

// ParseEvidence parses and validates an X-AP2-EVIDENCE header value.
func ParseEvidence(value string) (*Evidence, error) {
	if len(value) > maxEvidenceLen {
		return nil, errorf("X-AP2-EVIDENCE too large")
	}
	parts := splitSegments(value)
	if len(parts) == 0 || parts[0] != evidenceTag {
		return nil, errorf("Unsupported X-AP2-EVIDENCE version")
	}
	kv, err := parseKV(parts[1:], "X-AP2-EVIDENCE", "mr", "ms", "mt", "sz")
	if err != nil {
		return nil, err
	}
	mr, hasMr := kv["mr"]
	ms, hasMs := kv["ms"]
	mt, hasMt := kv["mt"]
	sz, hasSz := kv["sz"]
	if !hasMr || !hasMs || !hasMt || !hasSz {
		return nil, errorf("Missing required evidence keys")
	}
	if mt != "application/json" {
		return nil, errorf("mt must be application/json")
	}
	size, err := strconv.ParseInt(sz, 10, 64)
	if err != nil || !isDigits(sz) {
		return nil, errorf("sz must be decimal size")
	}
	return &Evidence{MandateRef: mr, MandateSHA: ms, MandateType: mt, MandateSizeBz: size}, nil
}

// RiskIDs parses the risk-id header pair. sid is required; tid is optional
// (it may alternatively be carried in tracestate — see tid.go).
func RiskIDs(sessionHeader, traceHeader string, acceptedVersions []int) (sid string, tid string, err error) {
	sid, err = requireUUID(sessionHeader, "X-RISK-SESSION", acceptedVersions)
	if err != nil {
		return "", "", err
	}
	if traceHeader == "" {
		return sid, "", nil
	}
	tid, err = requireUUID(traceHeader, "X-RISK-TRACE", acceptedVersions)
	if err != nil {
		return "", "", err
	}
	return sid, tid, nil
}

func requireUUID(value, name string, acceptedVersions []int) (string, error) {
	if value == "" {
		return "", errorf("%s required", name)
	}
	parsed, err := uuid.Parse(value)
	if err != nil {
		return "", errorf("%s invalid: %v", name, err)
	}
	version := int(parsed.Version())
	ok := len(acceptedVersions) == 0
	for _, v := range acceptedVersions {
		if v == version {
			ok = true
			break
		}
	}
	if !ok {
		return "", errorf("%s must be UUID v%v", name, acceptedVersions)
	}
	return parsed.String(), nil
}

// BuildPaymentSecure serializes a traceparent and an optional tid into the
// X-PAYMENT-SECURE wire form: w3c.v1;tp=<tp>[;ts=<urlencoded-base64-json>].
// It fails if tp is not a valid traceparent, or if the output would exceed
// the 4096-byte cap.
func BuildPaymentSecure(traceParent string, tid string) (string, error) {
	if err := ValidateTraceParent(traceParent); err != nil {
		return "", err
	}
	out := paymentSecureTag + ";tp=" + traceParent
	if tid != "" {
		ctx := map[string]string{"tid": tid}
		encoded, err := canonicalBase64JSON(ctx)
		if err != nil {
			return "", errorf("failed to encode tracestate: %v", err)
		}
		out += ";ts=" + url.QueryEscape(encoded)
	}
	if len(out) > maxPaymentSecureLen {
		return "", errorf("built X-PAYMENT-SECURE exceeds maximum length")
	}
	return out, nil
}

func canonicalBase64JSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func splitSegments(value string) []string {
	raw := strings.Split(value, ";")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKV splits ";"-joined "key=value" segments into a map, rejecting any
// segment whose key is not in allowedKeys. Unknown segments are a hard
// error, not a silent pass-through.
func parseKV(segments []string, headerName string, allowedKeys ...string) (map[string]string, error) {
	kv := map[string]string{}
	for _, seg := range segments {
		idx := strings.Index(seg, "=")
		if idx < 0 {
			return nil, errorf("Malformed %s segment", headerName)
		}
		key := seg[:idx]
		if !containsString(allowedKeys, key) {
			return nil, errorf("Unknown %s segment %q", headerName, key)
		}
		kv[key] = seg[idx+1:]
	}
	return kv, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
