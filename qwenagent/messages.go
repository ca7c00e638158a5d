// Package qwenagent is a Go SDK that drives the qwen CLI agent as a
// subprocess over its bidirectional JSON-lines protocol
// (--input-format stream-json --output-format stream-json --channel SDK).
package qwenagent

import "encoding/json"

// MessageType is the discriminant field present on every conversation
// message.
type MessageType string

const (
	// TypeUser is an outbound or echoed user turn.
	TypeUser MessageType = "user"
	// TypeAssistant is a complete assistant turn.
	TypeAssistant MessageType = "assistant"
	// TypeStreamEvent carries incremental streaming deltas for an
	// in-progress assistant turn.
	TypeStreamEvent MessageType = "stream_event"
	// TypeResult is the final message emitted when a turn finishes.
	TypeResult MessageType = "result"
	// TypeSystem carries status/info messages from the CLI. Subtypes
	// include "init" (session start) and "status".
	TypeSystem MessageType = "system"
)

// System message subtype constants.
const (
	SubtypeInit   = "init"
	SubtypeStatus = "status"
)

// Content block type constants.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ─── Content blocks ────────────────────────────────────────────────────────

// ContentBlock is one element of a message's content array. Type is always
// set; the remaining fields are populated according to Type.
type ContentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	// ToolUse fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	// ToolResult fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// IsText reports whether the block is a text block.
func (b ContentBlock) IsText() bool { return b.Type == BlockText }

// IsThinking reports whether the block is a thinking block.
func (b ContentBlock) IsThinking() bool { return b.Type == BlockThinking }

// IsToolUse reports whether the block is a tool invocation.
func (b ContentBlock) IsToolUse() bool { return b.Type == BlockToolUse }

// IsToolResult reports whether the block is a tool result.
func (b ContentBlock) IsToolResult() bool { return b.Type == BlockToolResult }

// ─── User message ──────────────────────────────────────────────────────────

// MessagePayload is the inner `message` object shared by user and assistant
// messages.
type MessagePayload struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserMessage represents a user turn, whether sent by the caller or echoed
// back by the CLI (e.g. a tool_result block submitted on the caller's
// behalf by the host application).
type UserMessage struct {
	Type            MessageType    `json:"type"`
	Message         MessagePayload `json:"message"`
	ParentToolUseID *string        `json:"parent_tool_use_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	UUID            string         `json:"uuid,omitempty"`
}

// ─── Assistant message ─────────────────────────────────────────────────────

// AssistantMessage is emitted when the agent produces a complete response
// turn.
type AssistantMessage struct {
	Type            MessageType    `json:"type"`
	Message         MessagePayload `json:"message"`
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	SessionID       string         `json:"session_id"`
	UUID            string         `json:"uuid"`
}

// Text returns the concatenated text from all text content blocks.
func (m *AssistantMessage) Text() string {
	var out string
	for _, b := range m.Message.Content {
		if b.IsText() {
			out += b.Text
		}
	}
	return out
}

// Thinking returns the concatenated thinking text from all thinking blocks.
func (m *AssistantMessage) Thinking() string {
	var out string
	for _, b := range m.Message.Content {
		if b.IsThinking() {
			out += b.Thinking
		}
	}
	return out
}

// ToolUses returns every tool_use block in the message, in order.
func (m *AssistantMessage) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Message.Content {
		if b.IsToolUse() {
			out = append(out, b)
		}
	}
	return out
}

// ─── Stream event message ──────────────────────────────────────────────────

// StreamEventDelta is the incremental content of a stream_event delta. Type
// "input_json_delta" carries a partial_json fragment for a tool_use block's
// input that is still being assembled.
type StreamEventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// StreamEvent is the inner `event` object of a StreamEventMessage.
type StreamEvent struct {
	Type  string            `json:"type"`
	Delta *StreamEventDelta `json:"delta,omitempty"`
	Index int               `json:"index,omitempty"`
}

// StreamEventMessage carries incremental deltas during a streaming
// response, before the matching AssistantMessage completes the turn.
type StreamEventMessage struct {
	Type            MessageType `json:"type"`
	Event           StreamEvent `json:"event"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
	UUID            string      `json:"uuid"`
}

// ─── Usage ──────────────────────────────────────────────────────────────────

// Usage holds token and cache usage from a completed turn.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// ─── Result message ─────────────────────────────────────────────────────────

// Result is the final message emitted at the end of a turn. Check IsError
// (or Subtype) to tell a success result from an error result apart.
type Result struct {
	Type          MessageType `json:"type"`
	Subtype       string      `json:"subtype"`
	DurationMS    int64       `json:"duration_ms"`
	DurationAPIMS int64       `json:"duration_api_ms"`
	IsError       bool        `json:"is_error"`
	NumTurns      int         `json:"num_turns"`
	Result        string      `json:"result"`
	StopReason    *string     `json:"stop_reason"`
	TotalCostUSD  float64     `json:"total_cost_usd"`
	Usage         Usage       `json:"usage"`
	SessionID     string      `json:"session_id"`
	UUID          string      `json:"uuid"`
	// Errors is populated when IsError is true.
	Errors []string `json:"errors,omitempty"`
	// StructuredOutput holds parsed structured output when an OutputFormat
	// with type "json" or "json_schema" was requested.
	StructuredOutput any `json:"structured_output,omitempty"`
	// PermissionDenials lists any tool calls that were denied during the run.
	PermissionDenials []string `json:"permission_denials,omitempty"`
}

// ─── System message ─────────────────────────────────────────────────────────

// SystemMessage covers all "system" typed messages from the CLI.
//
// When Subtype == SubtypeInit, it is emitted at session start and the
// session/model/tools/version fields are populated. When Subtype ==
// SubtypeStatus, Status and Message carry a human-readable status update.
type SystemMessage struct {
	Type    MessageType `json:"type"`
	Subtype string      `json:"subtype"`

	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	SessionID      string   `json:"session_id,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Model          string   `json:"model,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	QwenCodeVersion string  `json:"qwen_code_version,omitempty"`
	APIKeySource   string   `json:"apiKeySource,omitempty"`

	Agents        []string `json:"agents,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	Plugins       []string `json:"plugins,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`
}

// ─── Top-level Event ─────────────────────────────────────────────────────────

// Event is the top-level value yielded from a conversation stream.
//
// Type is always set. The corresponding typed field is non-nil for known
// types:
//   - TypeUser          → User
//   - TypeAssistant     → Assistant
//   - TypeStreamEvent   → StreamEvent
//   - TypeResult        → Result
//   - TypeSystem        → System
//
// For forward-compatible unknown types, only Raw is set.
type Event struct {
	Type        MessageType
	User        *UserMessage
	Assistant   *AssistantMessage
	StreamEvent *StreamEventMessage
	Result      *Result
	System      *SystemMessage
	Raw         json.RawMessage
}

// IsUser reports whether e carries a user message.
func (e *Event) IsUser() bool { return e.Type == TypeUser && e.User != nil }

// IsAssistant reports whether e carries a complete assistant turn.
func (e *Event) IsAssistant() bool { return e.Type == TypeAssistant && e.Assistant != nil }

// IsPartialAssistant reports whether e carries a streaming delta for an
// assistant turn still in progress.
func (e *Event) IsPartialAssistant() bool { return e.Type == TypeStreamEvent && e.StreamEvent != nil }

// IsSystem reports whether e carries a system status/info message.
func (e *Event) IsSystem() bool { return e.Type == TypeSystem && e.System != nil }

// IsResult reports whether e carries the terminal result of a turn.
func (e *Event) IsResult() bool { return e.Type == TypeResult && e.Result != nil }

// envelope is used for the first decode pass: peeking the discriminant
// field without committing to a concrete message type.
type envelope struct {
	Type MessageType `json:"type"`
}

// parseEvent decodes a single JSON-lines frame into a typed Event. Unknown
// message types are preserved as Raw so callers can tolerate forward
// compatibility. A decode failure for a known type is reported via err;
// the caller treats this as a non-fatal, skip-and-continue condition.
func parseEvent(line []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, &CLIJSONDecodeError{Line: line, Err: err}
	}

	ev := Event{Type: env.Type, Raw: json.RawMessage(line)}

	switch env.Type {
	case TypeUser:
		var m UserMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return Event{}, &CLIJSONDecodeError{Line: line, Err: err}
		}
		ev.User = &m
	case TypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return Event{}, &CLIJSONDecodeError{Line: line, Err: err}
		}
		ev.Assistant = &m
	case TypeStreamEvent:
		var m StreamEventMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return Event{}, &CLIJSONDecodeError{Line: line, Err: err}
		}
		ev.StreamEvent = &m
	case TypeResult:
		var m Result
		if err := json.Unmarshal(line, &m); err != nil {
			return Event{}, &CLIJSONDecodeError{Line: line, Err: err}
		}
		ev.Result = &m
	case TypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return Event{}, &CLIJSONDecodeError{Line: line, Err: err}
		}
		ev.System = &m
	}

	return ev, nil
}
