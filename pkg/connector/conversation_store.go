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

// ConversationStore is the authoritative in-memory conversation list. Every
// successful refresh replaces the list wholesale.
type ConversationStore struct {
	gw           chatapi.Gateway
	log          zerolog.Logger
	metrics      *Metrics
	discardStale bool

	lock          sync.RWMutex
	conversations []chatapi.ConversationSummary
	loaded        bool
	loading       int
	issued        uint64
	applied       uint64

	listeners listenerSet[[]chatapi.ConversationSummary]
}

func NewConversationStore(gw chatapi.Gateway, log zerolog.Logger, metrics *Metrics, discardStale bool) *ConversationStore {
	return &ConversationStore{
		gw:           gw,
		log:          log.With().Str("component", "conversation_store").Logger(),
		metrics:      metrics,
		discardStale: discardStale,
	}
}

// Refresh pulls the full list from the server. On failure the previous list
// is kept and an empty list is returned along with the error.
func (s *ConversationStore) Refresh(ctx context.Context, showLoading bool) ([]chatapi.ConversationSummary, error) {
	s.lock.Lock()
	s.issued++
	gen := s.issued
	if showLoading {
		s.loading++
	}
	s.lock.Unlock()
	if showLoading {
		defer func() {
			s.lock.Lock()
			s.loading--
			s.lock.Unlock()
		}()
	}

	convs, err := s.gw.ListConversations(ctx)
	if err != nil {
		s.log.Warn().Err(err).Uint64("generation", gen).Msg("Failed to refresh conversation list")
		return nil, err
	}
	if convs == nil {
		convs = []chatapi.ConversationSummary{}
	}

	s.lock.Lock()
	if s.discardStale && gen < s.applied {
		current := slices.Clone(s.conversations)
		applied := s.applied
		s.lock.Unlock()
		s.metrics.staleDiscard("conversations")
		s.log.Debug().
			Uint64("generation", gen).
			Uint64("applied_generation", applied).
			Msg("Discarding stale conversation list")
		return current, nil
	}
	changed := !s.loaded || !conversationsEqual(s.conversations, convs)
	s.conversations = convs
	s.loaded = true
	if gen > s.applied {
		s.applied = gen
	}
	snapshot := slices.Clone(convs)
	s.lock.Unlock()

	s.log.Debug().
		Int("conversations", len(snapshot)).
		Int("unread", CountUnread(snapshot)).
		Bool("changed", changed).
		Msg("Applied conversation list")
	if changed {
		s.listeners.notify(slices.Clone(snapshot))
	}
	return snapshot, nil
}

// Snapshot returns a copy of the current list.
func (s *ConversationStore) Snapshot() []chatapi.ConversationSummary {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return slices.Clone(s.conversations)
}

// Loaded reports whether at least one refresh has been applied.
func (s *ConversationStore) Loaded() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.loaded
}

// Loading reports whether a refresh that asked for a loading indicator is in
// flight.
func (s *ConversationStore) Loading() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.loading > 0
}

// ApplyFilter returns the conversations matching term without touching the
// stored list.
func (s *ConversationStore) ApplyFilter(term string) []chatapi.ConversationSummary {
	return FilterConversations(s.Snapshot(), term)
}

func (s *ConversationStore) UnreadCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return CountUnread(s.conversations)
}

// Find returns the summary with the given id, if present.
func (s *ConversationStore) Find(id chatapi.ID) (chatapi.ConversationSummary, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, conv := range s.conversations {
		if conv.ID == id {
			return conv, true
		}
	}
	return chatapi.ConversationSummary{}, false
}

// Subscribe registers fn to be called with the new list whenever a refresh
// changes it. The returned function removes the listener.
func (s *ConversationStore) Subscribe(fn func([]chatapi.ConversationSummary)) (unsubscribe func()) {
	return s.listeners.add(fn)
}

// FilterConversations matches term case-insensitively against the other
// participant's name and the last message content. A blank term matches
// everything.
func FilterConversations(convs []chatapi.ConversationSummary, term string) []chatapi.ConversationSummary {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return slices.Clone(convs)
	}
	out := make([]chatapi.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		if strings.Contains(strings.ToLower(conv.OtherParticipant.Name), term) ||
			(conv.LastMessage != nil && strings.Contains(strings.ToLower(conv.LastMessage.Content), term)) {
			out = append(out, conv)
		}
	}
	return out
}

// CountUnread counts the conversations flagged as unread.
func CountUnread(convs []chatapi.ConversationSummary) int {
	count := 0
	for _, conv := range convs {
		if conv.HasUnread {
			count++
		}
	}
	return count
}

func conversationsEqual(a, b []chatapi.ConversationSummary) bool {
	return slices.EqualFunc(a, b, chatapi.ConversationSummary.Equal)
}

type listenerSet[T any] struct {
	lock      sync.Mutex
	nextID    int
	listeners map[int]func(T)
}

func (ls *listenerSet[T]) add(fn func(T)) func() {
	ls.lock.Lock()
	defer ls.lock.Unlock()
	if ls.listeners == nil {
		ls.listeners = make(map[int]func(T))
	}
	id := ls.nextID
	ls.nextID++
	ls.listeners[id] = fn
	return func() {
		ls.lock.Lock()
		delete(ls.listeners, id)
		ls.lock.Unlock()
	}
}

func (ls *listenerSet[T]) notify(value T) {
	ls.lock.Lock()
	ids := make([]int, 0, len(ls.listeners))
	for id := range ls.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, ls.listeners[id])
	}
	ls.lock.Unlock()
	for _, fn := range fns {
		fn(value)
	}
}
