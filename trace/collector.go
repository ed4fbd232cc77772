// Package trace implements the client-side trace collector (C6): capture
// of tool calls, reasoning, and user/agent turns into the canonical
// events[] list an AgentTrace document carries, plus coalescing of a
// provider's raw streaming event shape (function-call argument deltas,
// reasoning-summary deltas) into single discrete events.
//
// The collector runs before a trace is POSTed to /risk/trace; it has no
// network dependency of its own.
package trace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event is one entry of an AgentTrace's events[] list: a discriminated-by
// "type" free-form record, kept schemaless per SPEC_FULL.md §9's design
// note on cyclic/dynamic trace data.
type Event map[string]interface{}

// ToolFunc is the calling convention every tool wrapped by Tool, and every
// tool dispatched by ProcessStream, must satisfy. Go has no sync/async
// split, so every call is already "synchronous" from the collector's point
// of view — a direct, lossless translation of the original decorator's
// dual sync/async support once a single calling convention is chosen.
type ToolFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Collector accumulates events in append order (not timestamp order) and
// coalesces a provider's streaming event shape into single events per
// SPEC_FULL.md §4.6.
type Collector struct {
	mu     sync.Mutex
	events []Event

	modelConfig map[string]interface{}

	pending   map[string]*pendingCall // call_id -> in-flight function-call buffer
	reasoning strings.Builder
	reasoningActive bool
}

type pendingCall struct {
	name string
	args strings.Builder
}

// NewCollector builds an empty Collector.
func NewCollector() *Collector {
	return &Collector{pending: make(map[string]*pendingCall)}
}

// Events returns a snapshot copy of the accumulated events, in append
// order, suitable for embedding into an AgentTraceDocument.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ModelConfig returns the model_config map populated by SetModelConfig, or
// nil if it was never called.
func (c *Collector) ModelConfig() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelConfig
}

func (c *Collector) append(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func nowNanos() int64 { return time.Now().UnixNano() }

func digestEvent(typ, content string) Event {
	sum := sha256.Sum256([]byte(content))
	return Event{
		"type":         typ,
		"ts":           nowNanos(),
		"content_hash": hex.EncodeToString(sum[:]),
		"length":       len(content),
	}
}

// RecordUserInput appends a user_input event carrying content's digest and
// length (not the raw content, to keep traces bounded and avoid leaking
// payload bodies into the store).
func (c *Collector) RecordUserInput(content string) {
	c.append(digestEvent("user_input", content))
}

// RecordSystemPrompt appends a system_prompt event tagged with version.
func (c *Collector) RecordSystemPrompt(content, version string) {
	ev := digestEvent("system_prompt", content)
	if version != "" {
		ev["version"] = version
	}
	c.append(ev)
}

// RecordAgentOutput appends an agent_output event.
func (c *Collector) RecordAgentOutput(content string) {
	c.append(digestEvent("agent_output", content))
}

// SetModelConfig populates the trace's model_config block.
func (c *Collector) SetModelConfig(provider, model string, toolsEnabled []string, extra map[string]interface{}) {
	cfg := map[string]interface{}{
		"provider":      provider,
		"model":         model,
		"tools_enabled": toolsEnabled,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	c.mu.Lock()
	c.modelConfig = cfg
	c.mu.Unlock()
}

// Tool wraps fn so each invocation appends a tool_call event (name and
// JSON-serializable arguments) followed by a tool_result event (the
// returned value or error), both timestamped.
func (c *Collector) Tool(name string, fn ToolFunc) ToolFunc {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		c.append(Event{
			"type":      "tool_call",
			"ts":        nowNanos(),
			"name":      name,
			"arguments": json.RawMessage(args),
		})

		result, err := fn(ctx, args)

		ev := Event{
			"type": "tool_result",
			"ts":   nowNanos(),
			"name": name,
		}
		if err != nil {
			ev["error"] = err.Error()
		} else {
			ev["result"] = result
		}
		c.append(ev)
		return result, err
	}
}

// RawEvent is the provider-agnostic shape of one streamed event. Fields not
// relevant to a given Type are left zero.
type RawEvent struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// FinalizedCall is returned by IngestEvent when a function_call's argument
// stream completes, so a caller (ProcessStream) can dispatch the matching
// tool.
type FinalizedCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// IngestEvent coalesces one raw provider event into the collector's event
// table, keyed on call_id for function-call argument streaming and on a
// single active buffer for reasoning-summary streaming. It returns the
// finalized call when a function_call's arguments complete, else nil.
func (c *Collector) IngestEvent(raw RawEvent) *FinalizedCall {
	switch raw.Type {
	case "function_call.added", "response.function_call.added":
		c.mu.Lock()
		c.pending[raw.CallID] = &pendingCall{name: raw.Name}
		c.mu.Unlock()
		return nil

	case "function_call_arguments.delta", "response.function_call_arguments.delta":
		c.mu.Lock()
		if p, ok := c.pending[raw.CallID]; ok {
			p.args.WriteString(raw.Delta)
		}
		c.mu.Unlock()
		return nil

	case "function_call_arguments.done", "response.function_call_arguments.done", "response.output_item.done":
		c.mu.Lock()
		p, ok := c.pending[raw.CallID]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		delete(c.pending, raw.CallID)
		c.mu.Unlock()

		argStr := p.args.String()
		if argStr == "" {
			argStr = raw.Arguments
		}
		var parsed interface{}
		var argsJSON json.RawMessage
		if err := json.Unmarshal([]byte(argStr), &parsed); err != nil {
			raw, _ := json.Marshal(map[string]string{"_raw": argStr})
			argsJSON = raw
		} else {
			argsJSON = json.RawMessage(argStr)
		}

		c.append(Event{
			"type":      "function_call",
			"ts":        nowNanos(),
			"call_id":   raw.CallID,
			"name":      p.name,
			"arguments": argsJSON,
		})
		return &FinalizedCall{CallID: raw.CallID, Name: p.name, Arguments: argsJSON}

	case "reasoning_summary.delta", "response.reasoning_summary_text.delta":
		c.mu.Lock()
		c.reasoning.WriteString(raw.Delta)
		c.reasoningActive = true
		c.mu.Unlock()
		return nil

	case "reasoning_summary.done", "response.reasoning_summary_text.done":
		c.flushReasoning()
		return nil

	case "response.created":
		c.append(Event{"type": "response.created", "ts": nowNanos()})
		return nil

	case "response.completed":
		c.flushReasoning()
		c.append(Event{"type": "response.completed", "ts": nowNanos()})
		return nil
	}
	return nil
}

func (c *Collector) flushReasoning() {
	c.mu.Lock()
	if !c.reasoningActive {
		c.mu.Unlock()
		return
	}
	summary := c.reasoning.String()
	c.reasoning.Reset()
	c.reasoningActive = false
	c.mu.Unlock()

	c.append(Event{
		"type":    "reasoning_summary",
		"ts":      nowNanos(),
		"summary": summary,
	})
}

// ProcessStream consumes events to completion, dispatching a tool from
// tools whenever a function_call finalizes with a matching name, and
// returns {tool_results: {name -> result}}.
func (c *Collector) ProcessStream(ctx context.Context, events <-chan RawEvent, tools map[string]ToolFunc) (map[string]interface{}, error) {
	results := map[string]interface{}{}
	for {
		select {
		case <-ctx.Done():
			return map[string]interface{}{"tool_results": results}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return map[string]interface{}{"tool_results": results}, nil
			}
			finalized := c.IngestEvent(ev)
			if finalized == nil {
				continue
			}
			fn, ok := tools[finalized.Name]
			if !ok {
				continue
			}
			result, err := fn(ctx, finalized.Arguments)
			if err != nil {
				results[finalized.Name] = map[string]interface{}{"error": err.Error()}
				continue
			}
			results[finalized.Name] = result
		}
	}
}
