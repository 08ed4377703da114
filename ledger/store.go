// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/morganforge/ctxrecover/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation has no
	// stored messages.
	ErrConversationNotFound = errors.New("conversation not found")
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures a Store.
type Options struct {
	// EphemeralPrefix marks non-durable conversation identifiers.
	// MarkEvicted silently skips conversations whose ID carries it.
	// Default: "local-".
	EphemeralPrefix string
}

// DefaultEphemeralPrefix is the conventional prefix of non-persisted
// conversation identifiers.
const DefaultEphemeralPrefix = "local-"

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed eviction ledger and message store.
type Store struct {
	db              *sql.DB
	ephemeralPrefix string
	log             zerolog.Logger

	// SQLite permits one writer at a time; serialize writes here rather
	// than relying on driver-level busy retries.
	writeMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT NOT NULL,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id),
	ordinal           INTEGER NOT NULL,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	tool_calls        TEXT,
	tool_call_id      TEXT,
	evicted           INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	PRIMARY KEY (conversation_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, ordinal);
`

// Open opens (creating if needed) the ledger database at path.
func Open(path string, opts Options, log zerolog.Logger) (*Store, error) {
	if opts.EphemeralPrefix == "" {
		opts.EphemeralPrefix = DefaultEphemeralPrefix
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}

	return &Store{
		db:              db,
		ephemeralPrefix: opts.EphemeralPrefix,
		log:             log,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsEphemeral reports whether the conversation identifier names a
// non-durable conversation the ledger must never write.
func (s *Store) IsEphemeral(conversationID string) bool {
	return strings.HasPrefix(conversationID, s.ephemeralPrefix)
}

// =============================================================================
// LEDGER WRITES
// =============================================================================

// MarkEvicted sets the evicted flag for each identifier in the
// conversation. Idempotent and additive-only: identifiers already
// marked stay marked, unknown identifiers are ignored. Ephemeral
// conversations are skipped entirely.
func (s *Store) MarkEvicted(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if s.IsEphemeral(conversationID) {
		s.log.Debug().
			Str("conversation", conversationID).
			Int("count", len(messageIDs)).
			Msg("skipping ledger write for ephemeral conversation")
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning eviction transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE messages SET evicted = 1 WHERE conversation_id = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("preparing eviction update: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, conversationID, id); err != nil {
			return fmt.Errorf("marking message %s evicted: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing eviction set: %w", err)
	}

	s.log.Debug().
		Str("conversation", conversationID).
		Int("count", len(messageIDs)).
		Msg("eviction set persisted")
	return nil
}

// =============================================================================
// LEDGER READS
// =============================================================================

// EvictedIDs returns the identifiers marked evicted for a conversation.
func (s *Store) EvictedIDs(ctx context.Context, conversationID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages WHERE conversation_id = ? AND evicted = 1`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("reading evicted set: %w", err)
	}
	defer rows.Close()

	evicted := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		evicted[id] = true
	}
	return evicted, rows.Err()
}

// FilterEvicted returns the subset of messages not previously marked
// evicted for the conversation, preserving order. Messages whose own
// Evicted flag is already set are excluded as well, so already-evicted
// history never counts against new shortfalls.
func (s *Store) FilterEvicted(ctx context.Context, conversationID string, messages []*model.Message) ([]*model.Message, error) {
	evicted := map[string]bool{}
	if !s.IsEphemeral(conversationID) {
		var err error
		evicted, err = s.EvictedIDs(ctx, conversationID)
		if err != nil {
			return nil, err
		}
	}

	var live []*model.Message
	for _, msg := range messages {
		if msg.Evicted || (msg.ID != "" && evicted[msg.ID]) {
			continue
		}
		live = append(live, msg)
	}
	return live, nil
}

// =============================================================================
// CONVERSATION PERSISTENCE
// =============================================================================

// SaveConversation upserts a conversation and its messages. Existing
// evicted flags are preserved: saving never clears a mark.
func (s *Store) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	if s.IsEphemeral(conv.ID) {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conv.ID, now, now); err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages
			(id, conversation_id, ordinal, role, content,
			 prompt_tokens, completion_tokens, tool_calls, tool_call_id, evicted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id, id) DO UPDATE SET
			ordinal = excluded.ordinal,
			content = excluded.content,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			tool_calls = excluded.tool_calls,
			tool_call_id = excluded.tool_call_id,
			evicted = CASE WHEN messages.evicted = 1 THEN 1 ELSE excluded.evicted END`)
	if err != nil {
		return fmt.Errorf("preparing message upsert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range conv.Messages {
		if msg.ID == "" {
			// Untracked message: excluded from the payload at build
			// time but not persistable. Documented gap.
			continue
		}
		var prompt, completion any
		if msg.Usage != nil {
			prompt, completion = msg.Usage.PromptTokens, msg.Usage.CompletionTokens
		}
		var toolCalls any
		if len(msg.ToolCalls) > 0 {
			encoded, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("encoding tool calls for message %s: %w", msg.ID, err)
			}
			toolCalls = string(encoded)
		}
		evicted := 0
		if msg.Evicted {
			evicted = 1
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, conv.ID, msg.Ordinal, msg.Role.String(), msg.Content,
			prompt, completion, toolCalls, msg.ToolCallID, evicted, msg.Timestamp); err != nil {
			return fmt.Errorf("upserting message %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// LoadConversation reads a conversation's full message set, evicted
// flags included, ordered by ordinal. Payload construction should pass
// the result through FilterEvicted (or NonEvicted) before sending.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ordinal, role, content, prompt_tokens, completion_tokens,
		        tool_calls, tool_call_id, evicted, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY ordinal`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		var msg model.Message
		var role string
		var prompt, completion sql.NullInt64
		var toolCalls, toolCallID sql.NullString
		var evicted int
		if err := rows.Scan(&msg.ID, &msg.Ordinal, &role, &msg.Content,
			&prompt, &completion, &toolCalls, &toolCallID, &evicted, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		if prompt.Valid || completion.Valid {
			msg.Usage = &model.Usage{
				PromptTokens:     int(prompt.Int64),
				CompletionTokens: int(completion.Int64),
			}
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls for message %s: %w", msg.ID, err)
			}
		}
		msg.ToolCallID = toolCallID.String
		msg.Evicted = evicted == 1
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrConversationNotFound
	}

	return &model.Conversation{ID: conversationID, Messages: messages}, nil
}
