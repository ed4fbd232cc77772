package trace

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRecordUserInputAndAgentOutput(t *testing.T) {
	c := NewCollector()
	c.RecordUserInput("hello")
	c.RecordAgentOutput("world")

	events := c.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0]["type"] != "user_input" || events[1]["type"] != "agent_output" {
		t.Errorf("unexpected event types: %+v", events)
	}
	if events[0]["length"] != len("hello") {
		t.Errorf("length = %v, want %d", events[0]["length"], len("hello"))
	}
}

func TestSetModelConfig(t *testing.T) {
	c := NewCollector()
	c.SetModelConfig("openai", "gpt-test", []string{"search"}, map[string]interface{}{"temperature": 0.2})

	cfg := c.ModelConfig()
	if cfg["provider"] != "openai" || cfg["model"] != "gpt-test" {
		t.Errorf("unexpected model config: %+v", cfg)
	}
	if cfg["temperature"] != 0.2 {
		t.Errorf("expected extra field merged in, got %+v", cfg)
	}
}

func TestToolWrapsCallAndResult(t *testing.T) {
	c := NewCollector()
	fn := c.Tool("lookup", func(_ context.Context, args json.RawMessage) (interface{}, error) {
		return map[string]string{"ok": "yes"}, nil
	})

	result, err := fn(context.Background(), json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(map[string]string)["ok"] != "yes" {
		t.Errorf("unexpected result: %+v", result)
	}

	events := c.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0]["type"] != "tool_call" || events[1]["type"] != "tool_result" {
		t.Errorf("unexpected event types: %+v", events)
	}
}

func TestToolRecordsError(t *testing.T) {
	c := NewCollector()
	fn := c.Tool("failing", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})

	if _, err := fn(context.Background(), nil); err == nil {
		t.Fatal("expected error to propagate")
	}

	events := c.Events()
	if events[1]["error"] != "boom" {
		t.Errorf("expected error recorded on tool_result event, got %+v", events[1])
	}
}

func TestIngestEventCoalescesFunctionCallArguments(t *testing.T) {
	c := NewCollector()
	c.IngestEvent(RawEvent{Type: "response.function_call.added", CallID: "call-1", Name: "search"})
	c.IngestEvent(RawEvent{Type: "response.function_call_arguments.delta", CallID: "call-1", Delta: `{"q":`})
	c.IngestEvent(RawEvent{Type: "response.function_call_arguments.delta", CallID: "call-1", Delta: `"hi"}`})
	finalized := c.IngestEvent(RawEvent{Type: "response.function_call_arguments.done", CallID: "call-1"})

	if finalized == nil {
		t.Fatal("expected a finalized call")
	}
	if finalized.Name != "search" {
		t.Errorf("Name = %q, want %q", finalized.Name, "search")
	}
	var parsed map[string]string
	if err := json.Unmarshal(finalized.Arguments, &parsed); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if parsed["q"] != "hi" {
		t.Errorf("parsed args = %+v, want q=hi", parsed)
	}

	events := c.Events()
	if len(events) != 1 || events[0]["type"] != "function_call" {
		t.Errorf("expected single coalesced function_call event, got %+v", events)
	}
}

func TestIngestEventCoalescesReasoningSummary(t *testing.T) {
	c := NewCollector()
	c.IngestEvent(RawEvent{Type: "response.reasoning_summary_text.delta", Delta: "step one. "})
	c.IngestEvent(RawEvent{Type: "response.reasoning_summary_text.delta", Delta: "step two."})
	c.IngestEvent(RawEvent{Type: "response.reasoning_summary_text.done"})

	events := c.Events()
	if len(events) != 1 || events[0]["type"] != "reasoning_summary" {
		t.Fatalf("expected single coalesced reasoning_summary event, got %+v", events)
	}
	if events[0]["summary"] != "step one. step two." {
		t.Errorf("summary = %q", events[0]["summary"])
	}
}

func TestProcessStreamDispatchesTools(t *testing.T) {
	c := NewCollector()
	events := make(chan RawEvent, 8)
	events <- RawEvent{Type: "response.function_call.added", CallID: "call-1", Name: "echo"}
	events <- RawEvent{Type: "response.function_call_arguments.delta", CallID: "call-1", Delta: `{"v":"hi"}`}
	events <- RawEvent{Type: "response.function_call_arguments.done", CallID: "call-1"}
	close(events)

	tools := map[string]ToolFunc{
		"echo": func(_ context.Context, args json.RawMessage) (interface{}, error) {
			var in struct {
				V string `json:"v"`
			}
			_ = json.Unmarshal(args, &in)
			return in.V, nil
		},
	}

	out, err := c.ProcessStream(context.Background(), events, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results := out["tool_results"].(map[string]interface{})
	if results["echo"] != "hi" {
		t.Errorf("tool_results = %+v", results)
	}
}
