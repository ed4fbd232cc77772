package x402

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

// upstreamStatusError carries an upstream HTTP status and body so the proxy
// can propagate the same status with the upstream body as detail, per
// SPEC_FULL.md §4.5's failure semantics.
type upstreamStatusError struct {
	status int
	body   string
}

func (e *upstreamStatusError) Error() string { return e.body }

// UpstreamStatus returns (status, true) if err carries an explicit upstream
// status to propagate.
func UpstreamStatus(err error) (int, bool) {
	if e, ok := err.(*upstreamStatusError); ok {
		return e.status, true
	}
	return 0, false
}

// RemoteFacilitator talks to an external x402 facilitator's REST API,
// posting the gateway's already-sanitized forward envelope verbatim to
// separate verify/settle URLs.
type RemoteFacilitator struct {
	verifyURL string
	settleURL string
	client    *http.Client
}

// NewRemoteFacilitator builds a RemoteFacilitator posting to verifyURL and
// settleURL with the given per-call timeout.
func NewRemoteFacilitator(verifyURL, settleURL string, timeout time.Duration) *RemoteFacilitator {
	return &RemoteFacilitator{
		verifyURL: verifyURL,
		settleURL: settleURL,
		client:    &http.Client{Timeout: timeout},
	}
}

func (f *RemoteFacilitator) Verify(ctx context.Context, body []byte) (*VerifyResult, error) {
	var resp VerifyResult
	if err := f.post(ctx, f.verifyURL, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *RemoteFacilitator) Settle(ctx context.Context, body []byte) (*SettleResult, error) {
	var resp SettleResult
	if err := f.post(ctx, f.settleURL, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (f *RemoteFacilitator) post(ctx context.Context, url string, body []byte, dst interface{}) error {
	slog.Debug("facilitator request", "url", url, "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading facilitator response: %w", err)
	}

	slog.Debug("facilitator response", "url", url, "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode != http.StatusOK {
		return &upstreamStatusError{status: resp.StatusCode, body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, dst); err != nil {
		return &upstreamStatusError{status: http.StatusBadGateway, body: "malformed JSON from facilitator"}
	}
	return nil
}
