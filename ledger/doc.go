// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger persists eviction decisions against a conversation.
//
// The ledger is the sole writer of durable evicted flags, written only
// after the retry orchestrator confirms a successful resend. Marking is
// additive and idempotent: setting evicted=true is commutative, so
// concurrent writes from overlapping retries converge without locking.
// Eviction is monotonic; there is no unmark operation.
//
// Conversations whose identifier carries the ephemeral prefix are never
// persisted: MarkEvicted is a silent no-op for them.
//
// # Storage
//
// Backed by SQLite (modernc.org/sqlite, pure Go). Messages gain an
// evicted integer column, default 0, set to 1 only by MarkEvicted.
//
// # Usage
//
//	store, err := ledger.Open(path, ledger.Options{}, logger)
//	defer store.Close()
//	err = store.MarkEvicted(ctx, convID, ids)
//	live := store.FilterEvicted(ctx, convID, messages)
package ledger
