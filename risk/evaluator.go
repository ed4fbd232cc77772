package risk

import (
	"context"

	"github.com/google/uuid"
)

// Evaluator is the shared interface both the local (in-process) and
// forward (HTTP) dispatch modes implement. SPEC_FULL.md §9 notes the
// in-process call is free to be a direct function call rather than an
// in-process HTTP transport so long as observable behavior (headers, error
// codes) is identical — LocalEvaluator below is exactly that direct call.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error)
}

// LocalEvaluator is the in-process, dev/test risk evaluator (C2's
// "local evaluator"). It always allows, with risk_level=low and
// used_mandate reflecting whether a mandate was presented — this is
// deliberately not a real policy engine, matching the source's own
// "testing/dev contract" framing.
type LocalEvaluator struct {
	Store *Store
	// DefaultTTLSeconds is the ttl_seconds value returned on allow.
	DefaultTTLSeconds int64
}

// NewLocalEvaluator builds a LocalEvaluator backed by store.
func NewLocalEvaluator(store *Store, defaultTTLSeconds int64) *LocalEvaluator {
	return &LocalEvaluator{Store: store, DefaultTTLSeconds: defaultTTLSeconds}
}

// Evaluate implements Evaluator.
func (e *LocalEvaluator) Evaluate(_ context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	if err := e.Store.CheckLinkage(req.SID, req.TID); err != nil {
		return nil, err
	}
	return &EvaluateResponse{
		Decision:    DecisionAllow,
		Reasons:     []string{},
		DecisionID:  uuid.NewString(),
		TTLSeconds:  e.DefaultTTLSeconds,
		UsedMandate: req.Mandate != nil,
		Warnings:    []string{},
		RiskLevel:   LevelLow,
		Extra:       map[string]interface{}{},
	}, nil
}
