package protocol

// ToolCall is one action requested by the reasoning stage.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolSpec advertises a tool to backends that can emit calls natively.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ReasonRequest is the text payload sent to a remote reasoning stage.
type ReasonRequest struct {
	System      string     `json:"system,omitempty"`
	Prompt      string     `json:"prompt"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
	Tools       []ToolSpec `json:"tools,omitempty"`
}

// ReasonReply is the structured form of a reasoning stage reply. A plain text reply is
// equivalent to ReasonReply{Content: text}.
type ReasonReply struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
