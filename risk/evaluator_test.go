package risk

import (
	"context"
	"testing"
	"time"
)

func TestLocalEvaluatorAllows(t *testing.T) {
	store := NewStore(time.Minute, 0)
	sess := store.CreateSession(SessionRequest{AgentDID: "did:web:agent.example"})
	tr, _ := store.CreateTrace(TraceRequest{SID: sess.SID})

	eval := NewLocalEvaluator(store, 300)
	resp, err := eval.Evaluate(context.Background(), EvaluateRequest{SID: sess.SID, TID: tr.TID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Decision != DecisionAllow {
		t.Errorf("Decision = %q, want %q", resp.Decision, DecisionAllow)
	}
	if resp.TTLSeconds != 300 {
		t.Errorf("TTLSeconds = %d, want 300", resp.TTLSeconds)
	}
	if resp.UsedMandate {
		t.Error("UsedMandate should be false without a mandate")
	}
}

func TestLocalEvaluatorUsedMandate(t *testing.T) {
	store := NewStore(time.Minute, 0)
	sess := store.CreateSession(SessionRequest{AgentDID: "did:web:agent.example"})
	eval := NewLocalEvaluator(store, 300)

	resp, err := eval.Evaluate(context.Background(), EvaluateRequest{
		SID:     sess.SID,
		Mandate: &MandateMeta{Ref: "ref", SHA256B64: "abc", MIME: "application/json", Size: 3},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.UsedMandate {
		t.Error("expected UsedMandate true when a mandate is supplied")
	}
}

func TestLocalEvaluatorRejectsUnknownSID(t *testing.T) {
	store := NewStore(time.Minute, 0)
	eval := NewLocalEvaluator(store, 300)

	if _, err := eval.Evaluate(context.Background(), EvaluateRequest{SID: "unknown"}); err != ErrUnknownSID {
		t.Errorf("err = %v, want ErrUnknownSID", err)
	}
}
