// Package acp defines the wire vocabulary this bridge uses over the
// Agent Client Protocol, layered on top of pkg/acp/jsonrpc's framing.
package acp

import "encoding/json"

// ACP method names, client-to-agent and agent-to-client.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"

	NotificationSessionUpdate = "session/update"

	MethodRequestPermission = "session/request_permission"

	MethodFsReadTextFile  = "fs/read_text_file"
	MethodFsWriteTextFile = "fs/write_text_file"
)

// InitializeParams is sent once per connection. Every field is written
// explicitly, including defaults; the agent is entitled to see them on
// the wire rather than infer omission as false.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientInfo         ClientInfo         `json:"clientInfo"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientInfo identifies this bridge to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

// ClientCapabilities is serialized in full; the fs/terminal sub-objects
// must never be omitted even when every flag is false.
type ClientCapabilities struct {
	Fs       FsCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// FsCapabilities reports that this bridge never serves fs/* requests.
type FsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult carries the agent's self-description and capabilities.
type InitializeResult struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	AgentInfo          AgentInfo          `json:"agentInfo"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

// AgentInfo identifies the connected agent.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PromptCapabilities reports what content blocks the agent accepts in a prompt.
type PromptCapabilities struct {
	Image bool `json:"image"`
}

// SessionNewParams requests a new session.
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// McpServer is either a stdio or an SSE server descriptor. Exactly one of
// Command or URL is populated depending on Type.
type McpServer struct {
	Type    string    `json:"type,omitempty"` // "sse" when remote; omitted for stdio
	Name    string    `json:"name"`
	Command string    `json:"command,omitempty"`
	Args    []string  `json:"args,omitempty"`
	Env     []EnvVar  `json:"env,omitempty"`
	URL     string    `json:"url,omitempty"`
	Headers []EnvVar  `json:"headers,omitempty"`
}

// EnvVar is a name/value pair, used for both mcpServers[].env and .headers.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SessionNewResult carries the opaque session id.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one block of a prompt or a streamed update.
type ContentBlock struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`

	// Image fields, present when Type == "image".
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock { return ContentBlock{Type: "text", Text: text} }

// ImageBlock builds an image content block.
func ImageBlock(base64, mime string) ContentBlock {
	return ContentBlock{Type: "image", Data: base64, MimeType: mime}
}

// SessionPromptParams sends one turn's content blocks.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult reports why the prompt stopped streaming.
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams is sent as a notification, no response expected.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdateParams is the payload of a session/update notification.
// Update carries one of the variants below, distinguished by SessionUpdate.
type SessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// SessionUpdateEnvelope is decoded first to discover the update's kind.
type SessionUpdateEnvelope struct {
	SessionUpdate string `json:"sessionUpdate"`
}

// Update kinds carried in SessionUpdateEnvelope.SessionUpdate.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// AgentMessageChunk carries one streamed content block of the agent's reply.
type AgentMessageChunk struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
}

// RequestPermissionParams is a peer-initiated request for tool consent.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallInfo       `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallInfo describes the tool invocation a permission request concerns.
type ToolCallInfo struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one choice offered to the user, in wire order.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// Permission kinds.
const (
	KindAllowOnce    = "allow_once"
	KindAllowAlways  = "allow_always"
	KindRejectOnce   = "reject_once"
	KindRejectAlways = "reject_always"
)

// RequestPermissionResult answers a request_permission call.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is "selected" with an OptionID, or "cancelled".
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// Selected builds a "selected" outcome.
func Selected(optionID string) PermissionOutcome {
	return PermissionOutcome{Outcome: "selected", OptionID: optionID}
}

// Cancelled is the "cancelled" outcome.
var Cancelled = PermissionOutcome{Outcome: "cancelled"}
