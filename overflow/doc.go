// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package overflow classifies backend failures as context-window overflow.
//
// Backends report overflow in wildly different shapes: Shepherd and
// OpenAI-compatible servers embed token counts in prose, vLLM has two
// phrasings, and llama.cpp-server returns structured numeric fields. The
// classifier applies an ordered list of independent matchers over a
// common (status, body) input and stops at the first hit, so supporting
// a new backend format means adding a matcher, not touching existing ones.
//
// Only HTTP 400-class responses are examined. Network failures, 5xx and
// auth errors are never overflow; they pass through to the caller
// unchanged. Backends that silently truncate context instead of erroring
// (the Ollama family) are never classified, since silent truncation
// produces no error body to inspect.
//
// # Usage
//
//	ovf, ok := overflow.Classify(400, body)
//	if ok {
//	    // ovf.Deficit() tokens must be freed before retrying
//	}
package overflow
