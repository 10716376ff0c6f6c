// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

// ArchiveStore keeps a local sqlite record of every conversation list and
// message the engine applied, so history can be read without the server.
type ArchiveStore struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// ArchivedConversation is a conversation row of the archive.
type ArchivedConversation struct {
	ID              chatapi.ID
	ParticipantID   chatapi.ID
	ParticipantName string
	LastMessage     string
	LastMessageTS   time.Time
	HasUnread       bool
	MessageCount    int
	UpdatedAt       time.Time
}

// OpenArchive opens (or creates) the sqlite archive at path.
func OpenArchive(ctx context.Context, path string, log zerolog.Logger) (*ArchiveStore, error) {
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	rawDB.SetMaxOpenConns(1)
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		_ = rawDB.Close()
		return nil, fmt.Errorf("failed to wrap archive database: %w", err)
	}
	store := NewArchiveStore(db, log)
	if err = store.ensureSchema(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	return store, nil
}

func NewArchiveStore(db *dbutil.Database, log zerolog.Logger) *ArchiveStore {
	return &ArchiveStore{db: db, log: log.With().Str("component", "archive").Logger()}
}

func (s *ArchiveStore) Close() error {
	return s.db.RawDB.Close()
}

func (s *ArchiveStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL,
			participant_name TEXT NOT NULL,
			last_message TEXT,
			last_message_ts BIGINT,
			has_unread BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			conversation_id TEXT NOT NULL,
			id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_conversation_ts_idx
			ON message (conversation_id, timestamp_ms, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}
	return nil
}

func (s *ArchiveStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.RawDB.BeginTx(ctx, nil)
}

// SaveConversations upserts a conversation list in a single transaction.
func (s *ArchiveStore) SaveConversations(ctx context.Context, convs []chatapi.ConversationSummary) error {
	if len(convs) == 0 {
		return nil
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation (
			id, participant_id, participant_name, last_message, last_message_ts,
			has_unread, created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			participant_id=excluded.participant_id,
			participant_name=excluded.participant_name,
			last_message=COALESCE(excluded.last_message, conversation.last_message),
			last_message_ts=COALESCE(excluded.last_message_ts, conversation.last_message_ts),
			has_unread=excluded.has_unread,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare conversation statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, conv := range convs {
		var lastMessage sql.NullString
		var lastMessageTS sql.NullInt64
		if conv.LastMessage != nil {
			lastMessage = sql.NullString{String: conv.LastMessage.Content, Valid: true}
			lastMessageTS = nullableMillis(conv.LastMessage.Timestamp.Time)
		}
		_, err = stmt.ExecContext(ctx,
			string(conv.ID), string(conv.OtherParticipant.ID), conv.OtherParticipant.Name,
			lastMessage, lastMessageTS, conv.HasUnread,
			nowMS, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID, err)
		}
	}
	return tx.Commit()
}

// SaveMessages upserts the messages of one conversation in a single
// transaction.
func (s *ArchiveStore) SaveMessages(ctx context.Context, conversationID chatapi.ID, msgs []chatapi.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message (
			conversation_id, id, sender_id, content, timestamp_ms, read,
			created_ts, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, id) DO UPDATE SET
			sender_id=excluded.sender_id,
			content=excluded.content,
			timestamp_ms=excluded.timestamp_ms,
			read=CASE WHEN message.read THEN message.read ELSE excluded.read END,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, msg := range msgs {
		_, err = stmt.ExecContext(ctx,
			string(conversationID), string(msg.ID), string(msg.SenderID), msg.Content,
			msg.Timestamp.UnixMilli(), msg.Read,
			nowMS, nowMS,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns archived conversations, most recent activity
// first.
func (s *ArchiveStore) ListConversations(ctx context.Context) ([]ArchivedConversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.participant_id, c.participant_name, c.last_message, c.last_message_ts,
			c.has_unread, c.updated_ts,
			(SELECT COUNT(*) FROM message m WHERE m.conversation_id=c.id)
		FROM conversation c
		ORDER BY COALESCE(c.last_message_ts, 0) DESC, c.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ArchivedConversation, 0)
	for rows.Next() {
		var id, participantID string
		var lastMessage sql.NullString
		var lastMessageTS sql.NullInt64
		var updatedTS int64
		var conv ArchivedConversation
		if err = rows.Scan(
			&id,
			&participantID,
			&conv.ParticipantName,
			&lastMessage,
			&lastMessageTS,
			&conv.HasUnread,
			&updatedTS,
			&conv.MessageCount,
		); err != nil {
			return nil, err
		}
		conv.ID = chatapi.ID(id)
		conv.ParticipantID = chatapi.ID(participantID)
		conv.LastMessage = lastMessage.String
		if lastMessageTS.Valid {
			conv.LastMessageTS = time.UnixMilli(lastMessageTS.Int64)
		}
		conv.UpdatedAt = time.UnixMilli(updatedTS)
		out = append(out, conv)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation returns one archived conversation, or nil if it is not in
// the archive.
func (s *ArchiveStore) GetConversation(ctx context.Context, id chatapi.ID) (*ArchivedConversation, error) {
	var participantID string
	var lastMessage sql.NullString
	var lastMessageTS sql.NullInt64
	var updatedTS int64
	conv := ArchivedConversation{ID: id}
	err := s.db.QueryRow(ctx, `
		SELECT participant_id, participant_name, last_message, last_message_ts, has_unread, updated_ts,
			(SELECT COUNT(*) FROM message WHERE conversation_id=$1)
		FROM conversation WHERE id=$1
	`, string(id)).Scan(
		&participantID, &conv.ParticipantName, &lastMessage, &lastMessageTS,
		&conv.HasUnread, &updatedTS, &conv.MessageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	conv.ParticipantID = chatapi.ID(participantID)
	conv.LastMessage = lastMessage.String
	if lastMessageTS.Valid {
		conv.LastMessageTS = time.UnixMilli(lastMessageTS.Int64)
	}
	conv.UpdatedAt = time.UnixMilli(updatedTS)
	return &conv, nil
}

// History returns the newest limit messages of a conversation in
// chronological order. A limit of zero or less returns all of them.
func (s *ArchiveStore) History(ctx context.Context, conversationID chatapi.ID, limit int) ([]chatapi.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, sender_id, content, timestamp_ms, read FROM (
			SELECT id, sender_id, content, timestamp_ms, read
			FROM message
			WHERE conversation_id=$1
			ORDER BY timestamp_ms DESC, id DESC
			LIMIT $2
		) ORDER BY timestamp_ms ASC, id ASC
	`, string(conversationID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chatapi.Message, 0)
	for rows.Next() {
		var id, senderID string
		var timestampMS int64
		var msg chatapi.Message
		if err = rows.Scan(&id, &senderID, &msg.Content, &timestampMS, &msg.Read); err != nil {
			return nil, err
		}
		msg.ID = chatapi.ID(id)
		msg.SenderID = chatapi.ID(senderID)
		msg.Timestamp = chatapi.NewTimestamp(time.UnixMilli(timestampMS))
		out = append(out, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return sortMessages(out), nil
}

// Attach archives every change applied by the given stores until the
// returned function is called.
func (s *ArchiveStore) Attach(ctx context.Context, convs *ConversationStore, thread *ThreadStore) (detach func()) {
	unsubConvs := convs.Subscribe(func(list []chatapi.ConversationSummary) {
		if err := s.SaveConversations(ctx, list); err != nil {
			s.log.Warn().Err(err).Msg("Failed to archive conversation list")
		}
	})
	unsubThread := thread.Subscribe(func(update ThreadUpdate) {
		msgs := update.Messages
		if !update.FirstLoad {
			msgs = update.AddedMessages()
			if len(msgs) == 0 {
				// Read flags or edits from the server.
				msgs = update.Messages
			}
		}
		if err := s.SaveMessages(ctx, update.ConversationID, msgs); err != nil {
			s.log.Warn().Err(err).Str("conversation_id", string(update.ConversationID)).
				Msg("Failed to archive messages")
		}
	})
	return func() {
		unsubConvs()
		unsubThread()
	}
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
