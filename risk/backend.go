package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Backend is what the /risk router dispatches every request to: either the
// in-process store (local mode) or an external risk engine over HTTP
// (forward mode).
type Backend interface {
	CreateSession(ctx context.Context, req SessionRequest) (*SessionResponse, error)
	CreateTrace(ctx context.Context, req TraceRequest) (*TraceResponse, error)
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error)
	// GetTrace supports GET /risk/trace/{tid}; ok is false if unsupported
	// (forward mode) or the trace is unknown/expired.
	GetTrace(tid string) (*Trace, bool, error)
	// Local reports whether this backend is the in-process store (used to
	// gate the diagnostics endpoint).
	Local() bool
}

// LocalBackend dispatches directly to the in-process Store, short-circuiting
// the in-process HTTP transport the original source uses, per SPEC_FULL.md
// §9's explicit allowance to do so as long as observable behavior matches.
type LocalBackend struct {
	Store     *Store
	Evaluator *LocalEvaluator
}

func NewLocalBackend(store *Store, evaluator *LocalEvaluator) *LocalBackend {
	return &LocalBackend{Store: store, Evaluator: evaluator}
}

func (b *LocalBackend) CreateSession(_ context.Context, req SessionRequest) (*SessionResponse, error) {
	sess := b.Store.CreateSession(req)
	return &SessionResponse{SID: sess.SID, ExpiresAt: sess.ExpiresAt}, nil
}

func (b *LocalBackend) CreateTrace(_ context.Context, req TraceRequest) (*TraceResponse, error) {
	tr, err := b.Store.CreateTrace(req)
	if err != nil {
		return nil, err
	}
	return &TraceResponse{TID: tr.TID}, nil
}

func (b *LocalBackend) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	return b.Evaluator.Evaluate(ctx, req)
}

func (b *LocalBackend) GetTrace(tid string) (*Trace, bool, error) {
	tr, ok := b.Store.GetTrace(tid)
	return tr, ok, nil
}

func (b *LocalBackend) Local() bool { return true }

// ForwardBackend dispatches every call to an external risk engine over
// HTTP, applying the legacy-dialect compat adapter when Compat is set.
type ForwardBackend struct {
	Evaluator *ForwardEvaluator
	Client    *http.Client
	BaseURL   string
	Bearer    string
	Compat    bool
}

func NewForwardBackend(baseURL, bearerToken string, compat bool, timeout time.Duration) *ForwardBackend {
	return &ForwardBackend{
		Evaluator: NewForwardEvaluator(baseURL, bearerToken, compat, timeout),
		Client:    &http.Client{Timeout: timeout},
		BaseURL:   baseURL,
		Bearer:    bearerToken,
		Compat:    compat,
	}
}

func (b *ForwardBackend) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	return b.Evaluator.Evaluate(ctx, req)
}

func (b *ForwardBackend) CreateSession(ctx context.Context, req SessionRequest) (*SessionResponse, error) {
	var body interface{} = req
	if b.Compat {
		body = adaptSessionRequestForExternalAPI(req)
	}
	decoded, err := b.post(ctx, "/risk/session", body)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(decoded)
	var out SessionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &upstreamStatusError{status: http.StatusBadGateway, body: "malformed JSON from risk engine"}
	}
	return &out, nil
}

func (b *ForwardBackend) CreateTrace(ctx context.Context, req TraceRequest) (*TraceResponse, error) {
	var body interface{} = req
	if b.Compat {
		body = adaptTraceRequestForExternalAPI(req)
	}
	decoded, err := b.post(ctx, "/risk/trace", body)
	if err != nil {
		return nil, err
	}
	if b.Compat {
		aliasTraceIDToTID(decoded)
	}
	raw, _ := json.Marshal(decoded)
	var out TraceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &upstreamStatusError{status: http.StatusBadGateway, body: "malformed JSON from risk engine"}
	}
	return &out, nil
}

// GetTrace is not supported in forward mode: the external engine owns
// trace storage and this gateway has no diagnostics access to it.
func (b *ForwardBackend) GetTrace(string) (*Trace, bool, error) {
	return nil, false, nil
}

func (b *ForwardBackend) Local() bool { return false }

func (b *ForwardBackend) post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.Bearer)
	}
	resp, err := b.Client.Do(httpReq)
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
	return decoded, nil
}
