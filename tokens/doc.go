// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens attributes a token weight to every message in a
// conversation view without a tokenizer dependency.
//
// Backends report only cumulative prompt/completion counts per call.
// The accountant reconstructs per-message cost by delta: a user
// message's weight is the next assistant call's prompt_tokens minus the
// baseline left by the previous assistant call (prompt + completion).
// The first user message absorbs the system prompt, since the first
// reported prompt_tokens figure already embeds it.
//
// Where usage data is missing the weight is estimated from content
// length using a chars-per-token ratio tracked as an exponential moving
// average over the conversation's own assistant messages. The estimate
// is coarse and explicitly approximate.
package tokens
