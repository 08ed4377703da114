// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// USAGE TYPE
// =============================================================================

// Usage holds backend-reported token accounting for one completed call.
// Backends report cumulative prompt/completion counts per call, not a
// per-message breakdown; the tokens package reconstructs per-message cost
// from deltas between consecutive Usage records.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// =============================================================================
// TOOL CALL TYPE
// =============================================================================

// ToolCall is a pending tool invocation carried by an assistant message.
// Each call is later satisfied by a tool message whose ToolCallID matches.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single turn-unit in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Ordinal   int       `json:"ordinal"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Content
	Content string `json:"content"`

	// Usage is present only on assistant messages that completed a
	// backend call.
	Usage *Usage `json:"usage,omitempty"`

	// ToolCalls are pending invocations on an assistant message. An
	// assistant message with no pending tool calls is "final" and
	// terminates its turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the assistant call it
	// satisfies.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Evicted marks a message excluded from future outbound payloads.
	// Eviction is monotonic: once set, the flag is never cleared.
	Evicted bool `json:"evicted,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewAssistantMessage creates a new assistant message with usage data.
func NewAssistantMessage(content string, usage *Usage) *Message {
	msg := NewMessage(RoleAssistant, content)
	msg.Usage = usage
	return msg
}

// NewToolMessage creates a new tool result message.
func NewToolMessage(toolCallID string, result string) *Message {
	msg := NewMessage(RoleTool, result)
	msg.ToolCallID = toolCallID
	return msg
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// IsFinalAssistant reports whether the message is an assistant message
// with no pending tool calls. A final assistant message closes its turn.
func (m *Message) IsFinalAssistant() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) == 0
}

// HasUsage reports whether the message carries backend usage data.
func (m *Message) HasUsage() bool {
	return m.Usage != nil
}

// PromptTokens returns the reported prompt token count, or zero.
func (m *Message) PromptTokens() int {
	if m.Usage == nil {
		return 0
	}
	return m.Usage.PromptTokens
}

// CompletionTokens returns the reported completion token count, or zero.
func (m *Message) CompletionTokens() int {
	if m.Usage == nil {
		return 0
	}
	return m.Usage.CompletionTokens
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}
