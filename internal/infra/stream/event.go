package stream

import (
	"strings"

	jsonx "taskrunner/internal/shared/json"
)

// EventType tags a stream event.
type EventType string

const (
	EventText       EventType = "text"
	EventMessage    EventType = "message"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventStatus     EventType = "status"
	EventError      EventType = "error"
	EventDone       EventType = "done"
	EventKeepalive  EventType = "keepalive"
)

// Event is one decoded frame of the agent stream. Which fields are set
// depends on Type.
type Event struct {
	Type EventType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// message
	Role    string           `json:"role,omitempty"`
	Content jsonx.RawMessage `json:"content,omitempty"`

	// tool_use
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// tool_result
	ToolID      string `json:"tool_id,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`

	// status, error
	Message string `json:"message,omitempty"`

	// done
	Messages []jsonx.RawMessage `json:"messages,omitempty"`
}

// ContentText returns message content as text. String content is returned
// as is; an array of content blocks yields its text blocks joined by
// newlines; anything else is returned as raw JSON.
func (e Event) ContentText() string {
	raw := strings.TrimSpace(string(e.Content))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := jsonx.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := jsonx.Unmarshal(e.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return raw
}

// Message is one chat turn sent to the agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the body of POST /chat/stream.
type Request struct {
	Messages                []Message `json:"messages"`
	SystemPromptSuffix      string    `json:"system_prompt_suffix,omitempty"`
	OnlyNMostRecentImages   int       `json:"only_n_most_recent_images,omitempty"`
	ToolVersion             string    `json:"tool_version,omitempty"`
	MaxTokens               int       `json:"max_tokens,omitempty"`
	ThinkingBudget          *int      `json:"thinking_budget,omitempty"`
	TokenEfficientToolsBeta bool      `json:"token_efficient_tools_beta"`
}
