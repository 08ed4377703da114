// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// A Conversation is the linearized "active path" of the upstream message
// tree: an ordered sequence of non-evicted messages handed to this library
// by the host application. The library never parses tree structure itself.
//
// # Key Types
//
//   - Message: One turn-unit with role, content, optional backend usage,
//     and tool-call linkage
//   - Usage: Backend-reported token accounting for one completed call
//   - Conversation: Ordered message view with turn segmentation helpers
//   - Turn: A derived grouping from a user message through the next
//     assistant message that carries no pending tool call
//
// # Usage
//
// Build a view and segment it into turns:
//
//	conv := model.NewConversation("conv-1", messages)
//	for _, turn := range conv.Turns() {
//	    // turn.Start, turn.End are inclusive indices into conv.Messages
//	}
package model
