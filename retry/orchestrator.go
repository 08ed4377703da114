// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/morganforge/ctxrecover/evict"
	"github.com/morganforge/ctxrecover/model"
	"github.com/morganforge/ctxrecover/overflow"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPlannerExhausted indicates no further eviction is possible
	// without violating protected-message invariants.
	ErrPlannerExhausted = errors.New("conversation exceeds model context and cannot be reduced further")

	// ErrRetryCeiling indicates the attempt bound was hit even though
	// the planner still had candidates. Guards against a backend whose
	// token accounting disagrees with the planner's estimate.
	ErrRetryCeiling = errors.New("context retry limit reached")
)

// OverflowExhaustedError is the terminal result of an unrecoverable
// overflow. It wraps either ErrPlannerExhausted or ErrRetryCeiling and
// records what the last classification reported.
type OverflowExhaustedError struct {
	ConversationID string
	Needed         int
	Limit          int
	Attempts       int
	Reason         error
}

// Error implements the error interface.
func (e *OverflowExhaustedError) Error() string {
	return fmt.Sprintf("%v (needed %d tokens, limit %d, %d attempts)",
		e.Reason, e.Needed, e.Limit, e.Attempts)
}

// Unwrap exposes the terminal reason for errors.Is checks.
func (e *OverflowExhaustedError) Unwrap() error {
	return e.Reason
}

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Response is the successful result of a backend call, returned to the
// caller untouched.
type Response struct {
	Status int
	Body   []byte
}

// SendFunc performs one backend round-trip with the given outbound
// message set. A rejected HTTP exchange must surface as a
// *overflow.BackendError carrying the raw status and body; transport
// failures may be any other error and are never retried here.
type SendFunc func(ctx context.Context, payload []*model.Message) (*Response, error)

// Ledger persists eviction decisions after a successful retry. The
// orchestrator is its only writer during a request.
type Ledger interface {
	MarkEvicted(ctx context.Context, conversationID string, messageIDs []string) error
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// phase labels the orchestrator's position in the recovery loop, for
// tracing: Sending -> (Success | OverflowDetected) -> (Retrying ->
// Sending) -> (Success | TerminalFailure).
type phase int

const (
	phaseSending phase = iota
	phaseOverflowDetected
	phaseRetrying
	phaseSuccess
	phaseTerminalFailure
)

func (p phase) String() string {
	switch p {
	case phaseSending:
		return "sending"
	case phaseOverflowDetected:
		return "overflow_detected"
	case phaseRetrying:
		return "retrying"
	case phaseSuccess:
		return "success"
	case phaseTerminalFailure:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config bounds the recovery loop. Passed explicitly so the loop stays
// deterministic and unit-testable; the orchestrator never reads ambient
// process state.
type Config struct {
	// MaxContextRetries bounds total send attempts. Must be >= 1.
	MaxContextRetries int

	// RetryRatePerSec paces resends when positive. Zero disables
	// pacing; this core imposes no timeouts of its own.
	RetryRatePerSec float64

	// FallbackFraction is handed to the planner when an overflow is
	// recognized but carries no parseable token counts. Zero means the
	// planner default.
	FallbackFraction float64
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxContextRetries: 3,
	}
}

// Orchestrator retries backend sends after overflow-driven eviction.
type Orchestrator struct {
	cfg     Config
	planner *evict.Planner
	ledger  Ledger
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewOrchestrator creates an orchestrator. The ledger may be nil for
// callers that handle persistence elsewhere.
func NewOrchestrator(cfg Config, planner *evict.Planner, ledger Ledger, log zerolog.Logger) *Orchestrator {
	if cfg.MaxContextRetries < 1 {
		cfg.MaxContextRetries = DefaultConfig().MaxContextRetries
	}
	var limiter *rate.Limiter
	if cfg.RetryRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RetryRatePerSec), 1)
	}
	return &Orchestrator{
		cfg:     cfg,
		planner: planner,
		ledger:  ledger,
		limiter: limiter,
		log:     log,
	}
}

// AttemptWithRecovery sends the conversation's messages and, on a
// classified overflow, evicts per the planner and resends, up to the
// configured ceiling. On the attempt that finally succeeds it persists
// every message identifier evicted across all attempts in this request.
// Non-overflow failures propagate unchanged with no retry and no ledger
// write.
func (o *Orchestrator) AttemptWithRecovery(ctx context.Context, conv *model.Conversation, send SendFunc) (*Response, error) {
	working := conv
	var evictedIDs []string
	var lastOverflow *overflow.Overflow

	for attempt := 0; attempt < o.cfg.MaxContextRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			// Abandoned request: no partial ledger writes.
			return nil, err
		}
		if attempt > 0 && o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		o.transition(working.ID, attempt, phaseSending)
		resp, err := send(ctx, working.Messages)
		if err == nil {
			o.transition(working.ID, attempt, phaseSuccess)
			if len(evictedIDs) > 0 && o.ledger != nil {
				if lerr := o.ledger.MarkEvicted(ctx, working.ID, evictedIDs); lerr != nil {
					return nil, fmt.Errorf("persisting eviction set: %w", lerr)
				}
			}
			return resp, nil
		}

		var berr *overflow.BackendError
		if !errors.As(err, &berr) {
			// Transport-level failure: out of scope, never classified.
			return nil, err
		}

		var plan *evict.Plan
		var perr error
		if ovf, ok := overflow.ClassifyError(berr); ok {
			lastOverflow = ovf
			o.transition(working.ID, attempt, phaseOverflowDetected)
			o.log.Debug().
				Str("conversation", working.ID).
				Int("needed", ovf.Needed).
				Int("limit", ovf.Limit).
				Msg("overflow classified")
			plan, perr = o.planner.Plan(working, ovf.Deficit())
		} else if berr.Status >= 400 && berr.Status < 500 && overflow.IsOverflowError(berr.Body) {
			// Recognized overflow wording with no extractable counts:
			// fall back to percentage-based eviction of oldest history.
			o.transition(working.ID, attempt, phaseOverflowDetected)
			o.log.Debug().
				Str("conversation", working.ID).
				Msg("overflow recognized without token counts, using fallback plan")
			plan, perr = o.planner.PlanFallback(working, o.cfg.FallbackFraction)
		} else {
			// Not an overflow: surface the original error unchanged.
			return nil, err
		}

		if perr != nil {
			o.transition(working.ID, attempt, phaseTerminalFailure)
			return nil, o.terminal(working.ID, lastOverflow, attempt+1, ErrPlannerExhausted)
		}

		evictedIDs = append(evictedIDs, plan.MessageIDs...)
		working = working.WithoutRanges(plan.Ranges)
		o.transition(working.ID, attempt, phaseRetrying)
	}

	o.transition(conv.ID, o.cfg.MaxContextRetries, phaseTerminalFailure)
	return nil, o.terminal(conv.ID, lastOverflow, o.cfg.MaxContextRetries, ErrRetryCeiling)
}

// terminal builds the typed terminal result for an unrecoverable
// overflow.
func (o *Orchestrator) terminal(conversationID string, ovf *overflow.Overflow, attempts int, reason error) error {
	e := &OverflowExhaustedError{
		ConversationID: conversationID,
		Attempts:       attempts,
		Reason:         reason,
	}
	if ovf != nil {
		e.Needed = ovf.Needed
		e.Limit = ovf.Limit
	}
	return e
}

func (o *Orchestrator) transition(conversationID string, attempt int, p phase) {
	o.log.Debug().
		Str("conversation", conversationID).
		Int("attempt", attempt).
		Stringer("phase", p).
		Msg("state transition")
}
