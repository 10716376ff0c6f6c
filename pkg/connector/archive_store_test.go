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
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

func openTestArchive(t *testing.T) *ArchiveStore {
	t.Helper()
	archive, err := OpenArchive(context.Background(), filepath.Join(t.TempDir(), "archive.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	return archive
}

func TestArchiveConversations(t *testing.T) {
	ctx := context.Background()
	archive := openTestArchive(t)

	newer := summary("2", "Lee", "latest", true)
	newer.LastMessage.Timestamp = chatapi.NewTimestamp(time.Date(2024, 3, 2, 12, 0, 0, 0, time.Local))
	require.NoError(t, archive.SaveConversations(ctx, []chatapi.ConversationSummary{
		summary("1", "Dana", "hello", false),
		newer,
	}))

	convs, err := archive.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, chatapi.ID("2"), convs[0].ID)
	assert.Equal(t, "Lee", convs[0].ParticipantName)
	assert.True(t, convs[0].HasUnread)
	assert.Equal(t, chatapi.ID("1"), convs[1].ID)

	// A summary without a last message keeps the archived one.
	cleared := summary("1", "Dana Renamed", "", false)
	require.NoError(t, archive.SaveConversations(ctx, []chatapi.ConversationSummary{cleared}))
	conv, err := archive.GetConversation(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "Dana Renamed", conv.ParticipantName)
	assert.Equal(t, "hello", conv.LastMessage)

	missing, err := archive.GetConversation(ctx, "404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestArchiveHistory(t *testing.T) {
	ctx := context.Background()
	archive := openTestArchive(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)

	require.NoError(t, archive.SaveMessages(ctx, "7", []chatapi.Message{
		message("2", base.Add(time.Minute), "second"),
		message("1", base, "first"),
		message("3", base.Add(2*time.Minute), "third"),
	}))
	read := message("1", base, "first")
	read.Read = true
	require.NoError(t, archive.SaveMessages(ctx, "7", []chatapi.Message{read}))
	// Read flags never go back to unread.
	require.NoError(t, archive.SaveMessages(ctx, "7", []chatapi.Message{message("1", base, "first")}))

	all, err := archive.History(ctx, "7", 0)
	require.NoError(t, err)
	assert.Equal(t, []chatapi.ID{"1", "2", "3"}, messageIDs(all))
	assert.True(t, all[0].Read)
	assert.True(t, all[0].Timestamp.Equal(base))

	latest, err := archive.History(ctx, "7", 2)
	require.NoError(t, err)
	assert.Equal(t, []chatapi.ID{"2", "3"}, messageIDs(latest))

	none, err := archive.History(ctx, "8", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchiveAttach(t *testing.T) {
	ctx := context.Background()
	archive := openTestArchive(t)
	gw := newFakeGateway()
	gw.conversations = []chatapi.ConversationSummary{summary("7", "Dana", "hi", true)}
	gw.messages["7"] = []chatapi.Message{message("1", time.Now(), "hi")}

	convs := NewConversationStore(gw, zerolog.Nop(), nil, true)
	thread := NewThreadStore(gw, zerolog.Nop(), nil, true)
	detach := archive.Attach(ctx, convs, thread)

	_, err := convs.Refresh(ctx, false)
	require.NoError(t, err)
	_, err = thread.Load(ctx, "7", false)
	require.NoError(t, err)
	thread.WaitMarkRead()

	conv, err := archive.GetConversation(ctx, "7")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.MessageCount)

	detach()
	gw.Set(func(g *fakeGateway) {
		g.messages["7"] = append(g.messages["7"], message("2", time.Now(), "after detach"))
	})
	_, err = thread.Load(ctx, "7", false)
	require.NoError(t, err)
	thread.WaitMarkRead()
	history, err := archive.History(ctx, "7", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
