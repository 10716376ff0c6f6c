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
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

// NewChatFlow lists the users a conversation can be started with and
// creates conversations with them.
type NewChatFlow struct {
	gw  chatapi.Gateway
	log zerolog.Logger

	lock  sync.RWMutex
	users []chatapi.User
}

func NewNewChatFlow(gw chatapi.Gateway, log zerolog.Logger) *NewChatFlow {
	return &NewChatFlow{
		gw:  gw,
		log: log.With().Str("component", "new_chat").Logger(),
	}
}

// Open fetches the candidate list. It is never cached across openings.
func (f *NewChatFlow) Open(ctx context.Context) ([]chatapi.User, error) {
	users, err := f.gw.ListUsers(ctx)
	f.lock.Lock()
	defer f.lock.Unlock()
	if err != nil {
		f.users = nil
		f.log.Warn().Err(err).Msg("Failed to fetch available users")
		return nil, err
	}
	f.users = users
	f.log.Debug().Int("users", len(users)).Msg("Fetched available users")
	return slices.Clone(users), nil
}

// Candidates filters the users fetched by the last Open.
func (f *NewChatFlow) Candidates(term string) []chatapi.User {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return FilterUsers(f.users, term)
}

// Start creates a conversation with the participant, or returns the
// existing one if the server already has it.
func (f *NewChatFlow) Start(ctx context.Context, participantID chatapi.ID) (chatapi.ID, error) {
	id, err := f.gw.CreateConversation(ctx, participantID)
	if err != nil {
		f.log.Err(err).Str("participant_id", string(participantID)).Msg("Failed to start conversation")
		return "", &WriteError{Op: "start conversation", Err: err}
	}
	f.log.Info().
		Str("participant_id", string(participantID)).
		Str("conversation_id", string(id)).
		Msg("Started conversation")
	return id, nil
}

// FilterUsers matches term case-insensitively against name and email.
func FilterUsers(users []chatapi.User, term string) []chatapi.User {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return slices.Clone(users)
	}
	out := make([]chatapi.User, 0, len(users))
	for _, user := range users {
		if strings.Contains(strings.ToLower(user.Name), term) ||
			strings.Contains(strings.ToLower(user.Email), term) {
			out = append(out, user)
		}
	}
	return out
}
