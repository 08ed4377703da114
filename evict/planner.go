// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package evict

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/morganforge/ctxrecover/model"
	"github.com/morganforge/ctxrecover/tokens"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrExhausted is returned when eviction cannot free the required token
// count without violating protected-message invariants. The overflow is
// terminal; retrying cannot help.
var ErrExhausted = errors.New("eviction exhausted: cannot free enough tokens without evicting protected messages")

// =============================================================================
// PLAN TYPE
// =============================================================================

// Plan is the eviction set for one overflow. Ranges are inclusive index
// pairs into the view the plan was computed against, ascending and
// non-overlapping; MessageIDs lists the identifiers of the evicted
// messages that carry one. Messages without identifiers are removed from
// the payload but cannot be tracked in the ledger.
type Plan struct {
	Ranges      [][2]int
	MessageIDs  []string
	FreedTokens int
}

// =============================================================================
// PLANNER
// =============================================================================

// Planner computes eviction sets over weighted conversation views. Given
// identical inputs it always produces the identical plan.
type Planner struct {
	log zerolog.Logger
}

// DefaultFallbackFraction is the share of evictable messages dropped by
// PlanFallback when an overflow is recognized but no token counts could
// be parsed from the error body.
const DefaultFallbackFraction = 0.25

// NewPlanner creates a planner that traces its decisions to the given
// logger at debug level.
func NewPlanner(log zerolog.Logger) *Planner {
	return &Planner{log: log}
}

// Plan selects messages to evict so that their summed token weights
// cover the deficit. It returns ErrExhausted when both passes together
// cannot free enough.
func (p *Planner) Plan(conv *model.Conversation, deficit int) (*Plan, error) {
	if deficit <= 0 {
		return nil, ErrExhausted
	}

	msgs := conv.Messages
	counts := tokens.Count(msgs)

	lastUser := conv.LastUserIndex()
	if lastUser < 0 {
		p.log.Debug().Str("conversation", conv.ID).Msg("no user message in view, cannot evict")
		return nil, ErrExhausted
	}

	plan := &Plan{}
	freed := 0

	// PASS 1: whole turns (user through final assistant), oldest first,
	// strictly before the current user message.
	i := 0
	for i < lastUser && freed < deficit {
		if msgs[i].Role != model.RoleUser {
			i++
			continue
		}

		turnStart := i
		turnTokens := counts[i]
		i++

		finalAssistant := -1
		for i < lastUser {
			turnTokens += counts[i]
			if msgs[i].Role == model.RoleAssistant {
				// Final when the turn boundary follows: next message is
				// a user message or the protected current user.
				if i+1 >= len(msgs) || i+1 >= lastUser || msgs[i+1].Role == model.RoleUser {
					finalAssistant = i
					i++
					break
				}
			}
			i++
		}

		if finalAssistant >= 0 {
			plan.Ranges = append(plan.Ranges, [2]int{turnStart, finalAssistant})
			freed += turnTokens
			p.log.Debug().
				Int("start", turnStart).
				Int("end", finalAssistant).
				Int("tokens", turnTokens).
				Msg("pass 1: evicting turn")
		}
	}

	// PASS 2: mini-turns (assistant tool-call + tool result pairs)
	// inside the still-open current turn, sparing the most recent
	// assistant message.
	if freed < deficit && lastUser+1 < len(msgs) {
		lastAssistant := conv.LastAssistantIndexAfter(lastUser)

		i = lastUser + 1
		for i < len(msgs)-1 && freed < deficit {
			if msgs[i].Role == model.RoleAssistant && msgs[i+1].Role == model.RoleTool {
				if i == lastAssistant {
					i += 2
					continue
				}
				pairTokens := counts[i] + counts[i+1]
				plan.Ranges = append(plan.Ranges, [2]int{i, i + 1})
				freed += pairTokens
				p.log.Debug().
					Int("start", i).
					Int("end", i+1).
					Int("tokens", pairTokens).
					Msg("pass 2: evicting mini-turn")
				i += 2
				continue
			}
			i++
		}
	}

	if freed < deficit {
		p.log.Debug().
			Int("freed", freed).
			Int("needed", deficit).
			Msg("eviction exhausted")
		return nil, ErrExhausted
	}

	plan.FreedTokens = freed
	plan.MessageIDs = collectIDs(msgs, plan.Ranges)
	return plan, nil
}

// PlanFallback evicts a fraction of the oldest evictable messages. Used
// when the error body is recognized as an overflow but carries no
// parseable token counts. The system prefix and everything from the
// current user message onward stay protected.
func (p *Planner) PlanFallback(conv *model.Conversation, fraction float64) (*Plan, error) {
	if fraction <= 0 {
		fraction = DefaultFallbackFraction
	}

	msgs := conv.Messages
	counts := tokens.Count(msgs)

	start := 0
	for start < len(msgs) && msgs[start].Role == model.RoleSystem {
		start++
	}

	lastUser := conv.LastUserIndex()
	if lastUser < 0 {
		return nil, ErrExhausted
	}

	evictable := lastUser - start
	if evictable <= 0 {
		return nil, ErrExhausted
	}

	toRemove := int(float64(evictable) * fraction)
	if toRemove < 1 {
		toRemove = 1
	}
	end := start + toRemove - 1

	freed := 0
	for i := start; i <= end; i++ {
		freed += counts[i]
	}

	plan := &Plan{
		Ranges:      [][2]int{{start, end}},
		FreedTokens: freed,
	}
	plan.MessageIDs = collectIDs(msgs, plan.Ranges)

	p.log.Debug().
		Int("count", toRemove).
		Float64("fraction", fraction).
		Msg("fallback eviction")
	return plan, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// collectIDs gathers the identifiers of messages inside the ranges,
// skipping messages that carry none.
func collectIDs(msgs []*model.Message, ranges [][2]int) []string {
	var ids []string
	for _, r := range ranges {
		for i := r[0]; i <= r[1] && i < len(msgs); i++ {
			if msgs[i].ID != "" {
				ids = append(ids, msgs[i].ID)
			}
		}
	}
	return ids
}
