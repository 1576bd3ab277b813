// Package protocol defines the JSON frame protocol spoken between the
// gateway and its clients (chat UI, CLI, dashboard, sub-agents).
//
// Every frame is a JSON object with a required "type" discriminator.
// Parsing is total: malformed input never panics, it yields an error the
// transport converts into an error frame on the same socket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 3

// BroadcastSessionID is the sentinel origin for frames not tied to one
// session (audit stream, token updates, banners).
const BroadcastSessionID = "00000000-0000-0000-0000-000000000000"

// Frame type discriminators.
const (
	TypeConnect          = "connect"
	TypeMessage          = "message"
	TypeStream           = "stream"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalResponse = "approval_response"
	TypeInputRequest     = "input_request"
	TypeInputResponse    = "input_response"
	TypeTokenUpdate      = "token_update"
	TypeError            = "error"
)

// Stream substream kinds (Frame.StreamType).
const (
	StreamThinking   = "thinking"
	StreamToolCall   = "tool_call"
	StreamToolResult = "tool_result"
	StreamResponse   = "response"
	StreamError      = "error"
	StreamStatus     = "status"
)

// Connection channels (Frame.Channel on connect).
const (
	ChannelChat      = "chat"
	ChannelCLI       = "cli"
	ChannelDashboard = "dashboard"
	ChannelSubAgent  = "sub-agent"
	ChannelSystem    = "system"
)

// Frame is the single wire envelope. Fields are populated per Type;
// unset fields are omitted from the JSON encoding.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// connect
	Channel string `json:"channel,omitempty"`

	// message
	Content string `json:"content,omitempty"`

	// stream
	TraceID    string `json:"traceId,omitempty"`
	StreamType string `json:"streamType,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// approval_request / input_request
	ID          string                 `json:"id,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
	Description string                 `json:"description,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	ExpiresAt   int64                  `json:"expiresAt,omitempty"` // ms epoch
	WorkspaceID string                 `json:"workspaceId,omitempty"`

	// approval_response / input_response
	Approved *bool  `json:"approved,omitempty"`
	Value    string `json:"value,omitempty"`

	// token_update (flattened usage record)
	Model            string  `json:"model,omitempty"`
	Role             string  `json:"role,omitempty"`
	PromptTokens     int     `json:"promptTokens,omitempty"`
	CompletionTokens int     `json:"completionTokens,omitempty"`
	TotalTokens      int     `json:"totalTokens,omitempty"`
	EstimatedCost    float64 `json:"estimatedCost,omitempty"`
	Timestamp        int64   `json:"timestamp,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// validTypes gates Parse: unknown discriminators are protocol errors.
var validTypes = map[string]bool{
	TypeConnect:          true,
	TypeMessage:          true,
	TypeStream:           true,
	TypeApprovalRequest:  true,
	TypeApprovalResponse: true,
	TypeInputRequest:     true,
	TypeInputResponse:    true,
	TypeTokenUpdate:      true,
	TypeError:            true,
}

// Parse decodes a frame from raw JSON, rejecting unknown or missing types.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	if !validTypes[f.Type] {
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// Serialize encodes a frame to JSON.
func Serialize(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// ErrorFrame builds an error frame for a session (empty sessionId for
// pre-session protocol errors).
func ErrorFrame(sessionID, code, message string) *Frame {
	return &Frame{Type: TypeError, SessionID: sessionID, Code: code, Message: message}
}

// StreamFrame builds a stream frame.
func StreamFrame(sessionID, traceID, streamType, delta string) *Frame {
	return &Frame{
		Type:       TypeStream,
		SessionID:  sessionID,
		TraceID:    traceID,
		StreamType: streamType,
		Delta:      delta,
	}
}

// MessageFrame builds a final assistant message frame.
func MessageFrame(sessionID, content string) *Frame {
	return &Frame{Type: TypeMessage, SessionID: sessionID, Content: content}
}
