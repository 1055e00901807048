// internal/agent/agent.go
package agent

import (
	"context"
	"encoding/json"
)

// Agent is the reasoning-agent capability: instructions and context in,
// free text (that should be JSON) out.
type Agent interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Invoke(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type Request struct {
	Instructions string
	Context      json.RawMessage
	Messages     []Message
	OutputSchema map[string]interface{}
	// Tools is nil when the caller grants no capabilities.
	Tools ToolBinding
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ToolSpec struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

type ToolCall struct {
	ID          string                 `json:"id"`
	Capability  string                 `json:"capability"`
	Operation   string                 `json:"operation"`
	ApplicantID string                 `json:"applicant_id"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolBinding executes tool calls requested by the agent. Specs lists only
// the capabilities the caller was granted.
type ToolBinding interface {
	Specs() []ToolSpec
	Invoke(ctx context.Context, call ToolCall) (json.RawMessage, error)
}

func bound(b ToolBinding, capability string) bool {
	if b == nil {
		return false
	}
	for _, s := range b.Specs() {
		if s.Name == capability {
			return true
		}
	}
	return false
}
