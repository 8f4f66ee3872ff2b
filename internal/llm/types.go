// Package llm multiplexes chat-completion calls across models and API keys
// without exposing provider differences to callers.
package llm

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ImagePayload transports a vision input. Either Data (with MIMEType) or a
// remote URL is set.
type ImagePayload struct {
	MIMEType string
	Data     []byte
	URL      string
}

// ToolCall is a provider-normalized function call request. Arguments is the
// raw JSON argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema declares one callable tool in OpenAI function style; the
// transports convert it to their native representation.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON Schema
}

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
	Images  []ImagePayload
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
	// ReasoningBlob carries provider reasoning extensions (thought
	// signatures) opaquely; it is re-emitted verbatim on the next request.
	ReasoningBlob string
}

// Request is a provider-agnostic completion request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Response is the normalized completion result.
type Response struct {
	Content       string
	ToolCalls     []ToolCall
	ReasoningBlob string
	Model         string
	Provider      string
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}
