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
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

func TestNewChatOpenFetchesEveryTime(t *testing.T) {
	gw := newFakeGateway()
	gw.users = []chatapi.User{
		{ID: "5", Name: "Ana Pick", Email: "ana@warehouse.test"},
		{ID: "6", Name: "Bo Crate", Email: "bo@depot.test"},
	}
	flow := NewNewChatFlow(gw, zerolog.Nop())

	users, err := flow.Open(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2)
	_, err = flow.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, gw.Calls("users"))

	assert.Len(t, flow.Candidates(""), 2)
	byEmail := flow.Candidates("DEPOT")
	require.Len(t, byEmail, 1)
	assert.Equal(t, chatapi.ID("6"), byEmail[0].ID)
	byName := flow.Candidates("ana")
	require.Len(t, byName, 1)
	assert.Equal(t, chatapi.ID("5"), byName[0].ID)

	gw.Set(func(g *fakeGateway) { g.usersErr = errBackendDown })
	_, err = flow.Open(context.Background())
	require.Error(t, err)
	assert.Empty(t, flow.Candidates(""))
}

func TestNewChatStart(t *testing.T) {
	gw := newFakeGateway()
	gw.createdID = "42"
	flow := NewNewChatFlow(gw, zerolog.Nop())

	id, err := flow.Start(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, chatapi.ID("42"), id)

	gw.Set(func(g *fakeGateway) { g.createErr = errors.New("conflict") })
	_, err = flow.Start(context.Background(), "5")
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "start conversation", writeErr.Op)
}
