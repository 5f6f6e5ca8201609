package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

type wireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireReply struct {
	Content   *string        `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

// ParseReply interprets a reasoning stage text reply. A JSON object with "content" or
// "tool_calls" is structured; anything else is plain text with no tool calls.
func ParseReply(text string) Reply {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return Reply{Content: text}
	}
	var wire wireReply
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil || (wire.Content == nil && wire.ToolCalls == nil) {
		return Reply{Content: text}
	}
	reply := Reply{}
	if wire.Content != nil {
		reply.Content = *wire.Content
	}
	for i, call := range wire.ToolCalls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		reply.ToolCalls = append(reply.ToolCalls, protocol.ToolCall{
			ID:        id,
			Name:      call.Name,
			Arguments: DecodeArguments(call.Arguments),
		})
	}
	return reply
}

// EncodeReply is the inverse of ParseReply: plain content when there are no tool calls.
func EncodeReply(reply Reply) (string, error) {
	if len(reply.ToolCalls) == 0 {
		return reply.Content, nil
	}
	data, err := json.Marshal(protocol.ReasonReply{Content: reply.Content, ToolCalls: reply.ToolCalls})
	if err != nil {
		return "", fmt.Errorf("encode reply: %w", err)
	}
	return string(data), nil
}

// DecodeArguments accepts an argument object or a JSON string holding one. Anything
// unparsable yields empty arguments.
func DecodeArguments(raw []byte) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil && args != nil {
		return args
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &args); err == nil && args != nil {
			return args
		}
	}
	return map[string]any{}
}

// PlainText flattens structured model output into speakable text. JSON objects
// contribute "text" or "content"; arrays contribute their text items, skipping tool_use
// blocks. Text that does not parse is returned unchanged.
func PlainText(text string) string {
	if !strings.HasPrefix(text, "[") && !strings.HasPrefix(text, "{") {
		return text
	}
	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return text
	}
	var parts []string
	switch v := data.(type) {
	case []any:
		parts = textItems(v)
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			parts = []string{s}
		} else if content, ok := v["content"]; ok {
			switch c := content.(type) {
			case string:
				parts = []string{c}
			case []any:
				parts = textItems(c)
			}
		}
	}
	out := strings.TrimSpace(strings.Join(parts, " "))
	if out == "" {
		return text
	}
	return out
}

func textItems(items []any) []string {
	var parts []string
	for _, item := range items {
		switch it := item.(type) {
		case string:
			parts = append(parts, it)
		case map[string]any:
			if it["type"] == "tool_use" {
				continue
			}
			if s, ok := it["text"].(string); ok {
				parts = append(parts, s)
			}
		}
	}
	return parts
}
