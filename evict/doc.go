// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package evict selects which prior messages to drop when a conversation
// no longer fits a backend's context window.
//
// The planner runs two passes over the weighted, ordered view:
//
//   - Pass 1 evicts whole turns (user through final assistant) in
//     chronological order, oldest first. Turns are atomic: a turn is
//     evicted entirely or not at all, preserving user/assistant
//     coherence.
//   - Pass 2, if the shortfall is still unmet, evicts the oldest
//     assistant(tool_call)+tool pairs inside the still-open current
//     turn, sparing the single most recent assistant message.
//
// Never evictable: the system message, the current user message under
// response, and the most recent assistant message (it anchors trailing
// tool results). If both passes together cannot free the shortfall the
// planner reports exhaustion and the overflow is terminal.
//
// The planner is deterministic: identical inputs always produce the
// identical eviction set.
package evict
