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
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

// BadgeState is what the navigation badge shows.
type BadgeState struct {
	Count  int
	Recent []chatapi.ConversationSummary
}

// BadgeStore tracks the server-side unread count and the recent
// conversations shown next to it. Both are refreshed together but applied
// independently, and a failed fetch keeps the last known value.
type BadgeStore struct {
	gw           chatapi.Gateway
	log          zerolog.Logger
	metrics      *Metrics
	discardStale bool

	lock          sync.RWMutex
	count         int
	recent        []chatapi.ConversationSummary
	issued        uint64
	countApplied  uint64
	recentApplied uint64

	listeners listenerSet[BadgeState]
}

func NewBadgeStore(gw chatapi.Gateway, log zerolog.Logger, metrics *Metrics, discardStale bool) *BadgeStore {
	return &BadgeStore{
		gw:           gw,
		log:          log.With().Str("component", "badge").Logger(),
		metrics:      metrics,
		discardStale: discardStale,
	}
}

// Refresh fetches the unread count and the recent conversations. The
// returned error joins the failures of both fetches.
func (s *BadgeStore) Refresh(ctx context.Context) error {
	s.lock.Lock()
	s.issued++
	gen := s.issued
	s.lock.Unlock()

	var countErr, recentErr error
	var changed bool

	count, err := s.gw.UnreadCount(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to fetch unread count")
		countErr = err
	} else if s.applyCount(gen, count) {
		changed = true
	}

	recent, err := s.gw.RecentConversations(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to fetch recent conversations")
		recentErr = err
	} else if s.applyRecent(gen, recent) {
		changed = true
	}

	if changed {
		s.listeners.notify(s.State())
	}
	return errors.Join(countErr, recentErr)
}

func (s *BadgeStore) applyCount(gen uint64, count int) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.discardStale && gen < s.countApplied {
		s.metrics.staleDiscard("badge")
		return false
	}
	s.countApplied = gen
	changed := s.count != count
	s.count = count
	s.metrics.setUnread(count)
	return changed
}

func (s *BadgeStore) applyRecent(gen uint64, recent []chatapi.ConversationSummary) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.discardStale && gen < s.recentApplied {
		s.metrics.staleDiscard("badge")
		return false
	}
	s.recentApplied = gen
	changed := !conversationsEqual(s.recent, recent)
	s.recent = recent
	return changed
}

func (s *BadgeStore) Count() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.count
}

func (s *BadgeStore) Recent() []chatapi.ConversationSummary {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return slices.Clone(s.recent)
}

func (s *BadgeStore) State() BadgeState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return BadgeState{Count: s.count, Recent: slices.Clone(s.recent)}
}

func (s *BadgeStore) Summary() string {
	return UnreadSummary(s.Count())
}

func (s *BadgeStore) Subscribe(fn func(BadgeState)) (unsubscribe func()) {
	return s.listeners.add(fn)
}

// UnreadSummary renders an unread conversation count for headers.
func UnreadSummary(count int) string {
	switch {
	case count <= 0:
		return "All caught up!"
	case count == 1:
		return "1 unread conversation"
	default:
		return fmt.Sprintf("%d unread conversations", count)
	}
}
