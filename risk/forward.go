package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ForwardEvaluator dispatches /risk/evaluate to an external risk engine
// over HTTP. If Compat is true, the request payload is rewritten into the
// engine's legacy dialect before send and the response is un-aliased on
// the way back, mirroring the original source's
// _adapt_payload_for_external_api.
type ForwardEvaluator struct {
	BaseURL       string
	BearerToken   string
	Compat        bool
	Client        *http.Client
}

// NewForwardEvaluator builds a ForwardEvaluator with the given timeout.
func NewForwardEvaluator(baseURL, bearerToken string, compat bool, timeout time.Duration) *ForwardEvaluator {
	return &ForwardEvaluator{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Compat:      compat,
		Client:      &http.Client{Timeout: timeout},
	}
}

// Evaluate implements Evaluator by POSTing to BaseURL + "/risk/evaluate"
// (or the compat-adapted equivalent body) and validating the response.
func (f *ForwardEvaluator) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	var body interface{} = req
	if f.Compat {
		body = adaptEvaluateRequestForExternalAPI(req)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal evaluate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+"/risk/evaluate", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.BearerToken)
	}

	slog.Debug("risk engine request", "url", httpReq.URL.String())

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("risk engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading risk engine response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &upstreamStatusError{status: resp.StatusCode, body: string(respBody)}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !isJSONContentType(contentType) {
		return nil, &upstreamStatusError{status: http.StatusBadGateway, body: "non-JSON response from risk engine"}
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &upstreamStatusError{status: http.StatusBadGateway, body: "malformed JSON from risk engine"}
	}

	if f.Compat {
		aliasTraceIDToTID(decoded)
	}

	out, err := decodeEvaluateResponse(decoded)
	if err != nil {
		return nil, &upstreamStatusError{status: http.StatusBadGateway, body: err.Error()}
	}
	return out, nil
}

// upstreamStatusError carries an upstream HTTP status and body so callers
// can propagate the same status with the upstream body as detail, per
// SPEC_FULL.md §4.3's failure semantics.
type upstreamStatusError struct {
	status int
	body   string
}

func (e *upstreamStatusError) Error() string { return e.body }

// UpstreamStatus returns (status, true) if err carries an explicit
// upstream status to propagate.
func UpstreamStatus(err error) (int, bool) {
	if e, ok := err.(*upstreamStatusError); ok {
		return e.status, true
	}
	return 0, false
}

func isJSONContentType(ct string) bool {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			ct = ct[:i]
			break
		}
	}
	return ct == "application/json"
}

func decodeEvaluateResponse(decoded map[string]interface{}) (*EvaluateResponse, error) {
	raw, err := json.Marshal(decoded)
	if err != nil {
		return nil, err
	}
	var out EvaluateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out.Reasons == nil {
		out.Reasons = []string{}
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	if out.Extra == nil {
		out.Extra = map[string]interface{}{}
	}
	return &out, nil
}
