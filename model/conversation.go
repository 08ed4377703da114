// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "github.com/google/uuid"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the ordered sequence of non-evicted messages for the
// current request. The host application flattens its message tree to the
// active path before constructing one; this library treats the sequence
// as strictly ordered and never inspects tree structure.
type Conversation struct {
	ID       string     `json:"id"`
	Messages []*Message `json:"messages"`
}

// NewConversation creates a conversation view over the given messages.
// Ordinals are assigned from the sequence position.
func NewConversation(id string, messages []*Message) *Conversation {
	if id == "" {
		id = uuid.New().String()
	}
	for i, msg := range messages {
		msg.Ordinal = i
	}
	return &Conversation{ID: id, Messages: messages}
}

// =============================================================================
// INDEX HELPERS
// =============================================================================

// LastUserIndex returns the index of the most recent user message, or -1
// if the view contains none. This message is the current turn anchor and
// is never evictable.
func (c *Conversation) LastUserIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return i
		}
	}
	return -1
}

// LastAssistantIndexAfter returns the index of the most recent assistant
// message strictly after the given index, or -1. Used to locate the
// assistant that anchors trailing tool results in the open turn.
func (c *Conversation) LastAssistantIndexAfter(after int) int {
	for i := len(c.Messages) - 1; i > after; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return i
		}
	}
	return -1
}

// HasSystemMessage reports whether the view is grounded by a system
// message at index 0.
func (c *Conversation) HasSystemMessage() bool {
	return len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem
}

// =============================================================================
// TURN SEGMENTATION
// =============================================================================

// Turn is a derived, non-persisted grouping: a maximal run starting at a
// user message and extending through all following assistant/tool
// messages up to and including the next final assistant message, or to
// the end of the sequence. Start and End are inclusive indices into the
// conversation's message slice. Turns are evicted atomically.
type Turn struct {
	Start int
	End   int
}

// Turns segments the conversation into turns. Messages before the first
// user message (typically the system message) belong to no turn.
func (c *Conversation) Turns() []Turn {
	var turns []Turn
	i := 0
	for i < len(c.Messages) {
		if c.Messages[i].Role != RoleUser {
			i++
			continue
		}
		start := i
		i++
		for i < len(c.Messages) && c.Messages[i].Role != RoleUser {
			if c.Messages[i].IsFinalAssistant() {
				i++
				break
			}
			i++
		}
		turns = append(turns, Turn{Start: start, End: i - 1})
	}
	return turns
}

// =============================================================================
// VIEW REBUILDING
// =============================================================================

// WithoutRanges returns a new view with the given inclusive index ranges
// removed. Ranges must be non-overlapping and sorted ascending; removal
// proceeds in reverse so earlier indices stay valid. The surviving
// messages are shallow-copied before their ordinals are reassigned, so
// the receiver's messages keep their original numbering.
func (c *Conversation) WithoutRanges(ranges [][2]int) *Conversation {
	kept := make([]*Message, len(c.Messages))
	copy(kept, c.Messages)
	for i := len(ranges) - 1; i >= 0; i-- {
		start, end := ranges[i][0], ranges[i][1]
		if start < 0 || end >= len(kept) || start > end {
			continue
		}
		kept = append(kept[:start], kept[end+1:]...)
	}
	out := &Conversation{ID: c.ID, Messages: make([]*Message, len(kept))}
	for i, msg := range kept {
		clone := *msg
		clone.Ordinal = i
		out.Messages[i] = &clone
	}
	return out
}

// NonEvicted returns the messages whose evicted flag is unset, in order.
func (c *Conversation) NonEvicted() []*Message {
	var out []*Message
	for _, msg := range c.Messages {
		if !msg.Evicted {
			out = append(out, msg)
		}
	}
	return out
}
