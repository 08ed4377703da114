// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"github.com/morganforge/ctxrecover/model"
)

// =============================================================================
// ESTIMATION CONSTANTS
// =============================================================================

const (
	// DefaultCharsPerToken seeds the chars-per-token ratio before any
	// observation is available. Roughly right for English prose.
	DefaultCharsPerToken = 4.0

	// emaAlpha is the smoothing factor for the ratio EMA.
	emaAlpha = 0.2

	// Observed ratios outside [outlierLow, outlierHigh] times the
	// current estimate are rejected (code blocks, emoji runs and the
	// like would otherwise whipsaw the average).
	outlierLow  = 0.5
	outlierHigh = 2.0

	// The ratio is clamped to [minCharsPerToken, maxCharsPerToken].
	minCharsPerToken = 2.0
	maxCharsPerToken = 5.0
)

// =============================================================================
// ESTIMATION
// =============================================================================

// Estimate returns an approximate token count for content at the given
// chars-per-token ratio.
func Estimate(content string, charsPerToken float64) int {
	if content == "" || charsPerToken <= 0 {
		return 0
	}
	return int(float64(len(content)) / charsPerToken)
}

// CharsPerTokenEMA derives a chars-per-token ratio from the assistant
// messages in the view that carry completion counts. Returns the default
// seed when no usable observation exists.
func CharsPerTokenEMA(messages []*model.Message) float64 {
	ratio := DefaultCharsPerToken
	for _, msg := range messages {
		if msg.Role != model.RoleAssistant {
			continue
		}
		completion := msg.CompletionTokens()
		if completion <= 0 || len(msg.Content) == 0 {
			continue
		}
		observed := float64(len(msg.Content)) / float64(completion)
		deviation := observed / ratio
		if deviation < outlierLow || deviation > outlierHigh {
			continue
		}
		ratio = (1.0-emaAlpha)*ratio + emaAlpha*observed
		if ratio < minCharsPerToken {
			ratio = minCharsPerToken
		}
		if ratio > maxCharsPerToken {
			ratio = maxCharsPerToken
		}
	}
	return ratio
}

// =============================================================================
// PER-MESSAGE ACCOUNTING
// =============================================================================

// Count assigns an integer token weight to every message in the view.
// The result is positionally aligned with the input. Pure computation:
// safe to memoize per request.
//
// Rules:
//   - assistant: completion_tokens when reported, else estimated
//   - user: delta against the next assistant call's prompt_tokens, with
//     the previous call's prompt+completion as baseline; the first user
//     message takes the first prompt_tokens figure outright
//   - tool: estimated from content (its prompt cost is already folded
//     into the following assistant call's prompt_tokens)
//   - system: zero (never weighed, never evicted)
func Count(messages []*model.Message) []int {
	counts := make([]int, len(messages))
	ratio := CharsPerTokenEMA(messages)

	// Assistant messages with usage, in order.
	type assistantUsage struct {
		index      int
		prompt     int
		completion int
	}
	var usages []assistantUsage
	for i, msg := range messages {
		if msg.Role == model.RoleAssistant {
			usages = append(usages, assistantUsage{
				index:      i,
				prompt:     msg.PromptTokens(),
				completion: msg.CompletionTokens(),
			})
		}
	}

	for _, u := range usages {
		if u.completion > 0 {
			counts[u.index] = u.completion
		} else {
			counts[u.index] = Estimate(messages[u.index].Content, ratio)
		}
	}

	// Baseline after each assistant call: prompt + completion tokens.
	lastPromptTokens := 0
	next := 0

	for i, msg := range messages {
		switch msg.Role {
		case model.RoleUser:
			for next < len(usages) && usages[next].index < i {
				next++
			}
			switch {
			case next < len(usages) && usages[next].prompt > 0 && lastPromptTokens > 0:
				delta := usages[next].prompt - lastPromptTokens
				if delta < 0 {
					delta = 0
				}
				counts[i] = delta
			case next < len(usages) && usages[next].prompt > 0:
				// First user message: the figure embeds the system prompt.
				counts[i] = usages[next].prompt
			default:
				counts[i] = Estimate(msg.Content, ratio)
			}

		case model.RoleAssistant:
			if prompt := msg.PromptTokens(); prompt > 0 {
				lastPromptTokens = prompt + msg.CompletionTokens()
			}

		case model.RoleTool:
			counts[i] = Estimate(msg.Content, ratio)
		}
	}

	return counts
}
