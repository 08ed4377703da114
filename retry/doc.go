// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry drives the detect, plan, rebuild, resend loop for
// context-window overflow recovery.
//
// The orchestrator owns the in-flight conversation view for the
// duration of one request. Every failed send is classified; overflow
// failures trigger the eviction planner and a resend with the reduced
// payload, up to a hard attempt ceiling. Non-overflow failures and
// transport errors propagate unchanged without retry. Only a fully
// successful retry commits the accumulated eviction set to the ledger.
//
// The loop is strictly sequential: each retry's payload depends on the
// previous attempt's failure. Streaming exchanges are out of scope; an
// overflow arriving mid-stream is surfaced to the caller as-is.
//
// # Usage
//
//	orc := retry.NewOrchestrator(cfg, planner, ledger, logger)
//	resp, err := orc.AttemptWithRecovery(ctx, conv, send)
//	if errors.Is(err, retry.ErrPlannerExhausted) {
//	    // conversation exceeds model context and cannot be reduced further
//	}
package retry
