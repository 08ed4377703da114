// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package overflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// BACKEND ERROR TYPE
// =============================================================================

// BackendError carries the raw status and body of a failed backend call.
// The transport layer constructs one for every non-2xx response; this
// package only ever inspects the 400-class subset.
type BackendError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Body)
}

// =============================================================================
// OVERFLOW RESULT TYPE
// =============================================================================

// Overflow is a classified context-window rejection. Needed is the total
// token count the request required, Limit is the model's context window.
// Backends that report a shortfall directly (vLLM MAX_TOKENS_TOO_HIGH)
// are normalized so that Needed - Limit is always the amount to free.
type Overflow struct {
	Needed int
	Limit  int
}

// Deficit returns the token count that must be freed before a retry can
// succeed.
func (o *Overflow) Deficit() int {
	return o.Needed - o.Limit
}

// =============================================================================
// MATCHERS
// =============================================================================

// Matcher inspects one backend error format. It returns nil when the
// body does not match. Matchers are independent: adding a format never
// requires changing an existing one.
type Matcher func(body string) *Overflow

// matchers is the ordered matcher list. The vLLM MAX_TOKENS_TOO_HIGH
// form must precede the simple vLLM form, which matches a subset of its
// phrasing. The llama.cpp matcher parses a structured JSON body and is
// tried last.
var matchers = []Matcher{
	matchShepherd,
	matchOpenAIClassic,
	matchVLLMMaxTokens,
	matchVLLMSimple,
	matchOpenAIDetailed,
	matchLlamaCPP,
}

var (
	// Shepherd: "would need 9000 tokens but limit is 8000 tokens"
	reShepherd = regexp.MustCompile(`would need (\d+) tokens but limit is (\d+)`)

	// OpenAI classic: "maximum context length is 8192 tokens. However,
	// your messages resulted in 9100 tokens"
	reOpenAIClassic = regexp.MustCompile(`(?is)maximum context length is (\d+) tokens.*?resulted in (\d+) tokens`)

	// vLLM MAX_TOKENS_TOO_HIGH components
	reTooLarge = regexp.MustCompile(`is too large: (\d+)`)
	reMaxCtx   = regexp.MustCompile(`(?i)maximum context length is (\d+)`)
	reRequest  = regexp.MustCompile(`(?i)your request has (\d+)`)

	// OpenAI detailed: "maximum context length is 8192 ... you requested
	// 9100 tokens (8800 in the messages, 300 in the completion)"
	reOpenAIDetailed = regexp.MustCompile(`(?is)maximum context length is (\d+).*?you requested (\d+) tokens`)
)

func matchShepherd(body string) *Overflow {
	m := reShepherd.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	return overflowFrom(m[1], m[2])
}

func matchOpenAIClassic(body string) *Overflow {
	m := reOpenAIClassic.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	return overflowFrom(m[2], m[1])
}

// matchVLLMMaxTokens handles vLLM's MAX_TOKENS_TOO_HIGH rejection, where
// the over-the-limit total is requested max_tokens plus prompt tokens.
func matchVLLMMaxTokens(body string) *Overflow {
	tooLarge := reTooLarge.FindStringSubmatch(body)
	maxCtx := reMaxCtx.FindStringSubmatch(body)
	request := reRequest.FindStringSubmatch(body)
	if tooLarge == nil || maxCtx == nil || request == nil {
		return nil
	}
	maxRequested := atoi(tooLarge[1])
	limit := atoi(maxCtx[1])
	prompt := atoi(request[1])
	needed := prompt + maxRequested
	if needed <= limit {
		return nil
	}
	return &Overflow{Needed: needed, Limit: limit}
}

func matchVLLMSimple(body string) *Overflow {
	maxCtx := reMaxCtx.FindStringSubmatch(body)
	request := reRequest.FindStringSubmatch(body)
	if maxCtx == nil || request == nil {
		return nil
	}
	return overflowFrom(request[1], maxCtx[1])
}

func matchOpenAIDetailed(body string) *Overflow {
	m := reOpenAIDetailed.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	return overflowFrom(m[2], m[1])
}

// llamaErrorBody is the llama.cpp-server structured rejection. The
// numeric fields may appear at the top level or under an "error" key.
type llamaErrorBody struct {
	NPromptTokens int `json:"n_prompt_tokens"`
	NCtx          int `json:"n_ctx"`
	Error         *struct {
		NPromptTokens int `json:"n_prompt_tokens"`
		NCtx          int `json:"n_ctx"`
	} `json:"error"`
}

func matchLlamaCPP(body string) *Overflow {
	var parsed llamaErrorBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil
	}
	prompt, ctx := parsed.NPromptTokens, parsed.NCtx
	if parsed.Error != nil && (prompt == 0 || ctx == 0) {
		prompt, ctx = parsed.Error.NPromptTokens, parsed.Error.NCtx
	}
	if prompt <= 0 || ctx <= 0 || prompt <= ctx {
		return nil
	}
	return &Overflow{Needed: prompt, Limit: ctx}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// Classify inspects a backend failure and reports whether it is a
// context-window overflow. Anything outside the 400 range is NotOverflow
// unconditionally. A 400 that no matcher recognizes is also NotOverflow;
// the caller surfaces the original error unchanged.
func Classify(status int, body string) (*Overflow, bool) {
	if status < 400 || status >= 500 {
		return nil, false
	}
	msg := errorMessage(body)
	for _, match := range matchers {
		if ovf := match(msg); ovf != nil && ovf.Deficit() > 0 {
			return ovf, true
		}
	}
	// The llama.cpp matcher needs the raw JSON body, not the extracted
	// message string.
	if ovf := matchLlamaCPP(body); ovf != nil && ovf.Deficit() > 0 {
		return ovf, true
	}
	return nil, false
}

// ClassifyError is a convenience wrapper over a *BackendError.
func ClassifyError(err *BackendError) (*Overflow, bool) {
	if err == nil {
		return nil, false
	}
	return Classify(err.Status, err.Body)
}

// overflowKeywords screen bodies that look like an overflow even when no
// matcher can extract token counts. Used by the orchestrator to fall
// back to percentage-based eviction.
var overflowKeywords = []string{
	"context length",
	"maximum context",
	"token limit",
	"too many tokens",
	"context size",
	"n_ctx",
	"exceed",
	"tokens but limit",
}

// IsOverflowError reports whether the body mentions a context overflow,
// regardless of whether token counts can be parsed from it.
func IsOverflowError(body string) bool {
	msg := strings.ToLower(errorMessage(body))
	for _, kw := range overflowKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// errorEnvelope is the common {"error": {"message": "..."}} wrapper used
// by OpenAI-compatible servers. Some backends put a bare string under
// "error" instead.
type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

// errorMessage extracts the human-readable message from a JSON error
// envelope, falling back to the raw body for plain-text responses.
func errorMessage(body string) string {
	var env errorEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || len(env.Error) == 0 {
		return body
	}
	var asString string
	if err := json.Unmarshal(env.Error, &asString); err == nil {
		return asString
	}
	var asObject struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Error, &asObject); err == nil && asObject.Message != "" {
		return asObject.Message
	}
	return body
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// overflowFrom builds an Overflow from the needed and limit capture
// groups of a prose matcher.
func overflowFrom(needed, limit string) *Overflow {
	return &Overflow{Needed: atoi(needed), Limit: atoi(limit)}
}
