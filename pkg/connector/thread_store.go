// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

var ErrNoConversation = errors.New("no conversation is open")

// ThreadUpdate is delivered to thread listeners after a load changed the
// visible thread.
type ThreadUpdate struct {
	ConversationID chatapi.ID
	Messages       []chatapi.Message
	// Added lists the ids that were not present before this load.
	Added []chatapi.ID
	// FirstLoad is set for the first applied load after a switch.
	FirstLoad bool
}

// AddedMessages returns the messages whose ids are listed in Added.
func (u ThreadUpdate) AddedMessages() []chatapi.Message {
	if len(u.Added) == 0 {
		return nil
	}
	added := make(map[chatapi.ID]struct{}, len(u.Added))
	for _, id := range u.Added {
		added[id] = struct{}{}
	}
	out := make([]chatapi.Message, 0, len(u.Added))
	for _, msg := range u.Messages {
		if _, ok := added[msg.ID]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// ThreadStore holds the message list of the one open conversation. Loads
// after the first one merge by message id, so the thread never shrinks while
// it stays open.
type ThreadStore struct {
	gw           chatapi.Gateway
	log          zerolog.Logger
	metrics      *Metrics
	discardStale bool

	lock           sync.RWMutex
	conversationID chatapi.ID
	messages       []chatapi.Message
	loaded         bool
	loading        int
	info           *chatapi.ChatInfo
	issued         uint64
	applied        uint64

	onReadAck func(chatapi.ID)
	markReads sync.WaitGroup
	listeners listenerSet[ThreadUpdate]
}

func NewThreadStore(gw chatapi.Gateway, log zerolog.Logger, metrics *Metrics, discardStale bool) *ThreadStore {
	return &ThreadStore{
		gw:           gw,
		log:          log.With().Str("component", "thread_store").Logger(),
		metrics:      metrics,
		discardStale: discardStale,
	}
}

// SetReadAckHook sets the function called after the server acknowledged a
// mark-read request.
func (s *ThreadStore) SetReadAckHook(fn func(chatapi.ID)) {
	s.lock.Lock()
	s.onReadAck = fn
	s.lock.Unlock()
}

// Switch discards the current thread and makes id the open conversation.
// Responses for loads issued before the switch are dropped.
func (s *ThreadStore) Switch(id chatapi.ID) {
	s.lock.Lock()
	s.switchLocked(id)
	s.lock.Unlock()
}

func (s *ThreadStore) switchLocked(id chatapi.ID) {
	prev := s.conversationID
	s.conversationID = id
	s.messages = nil
	s.loaded = false
	s.info = nil
	s.issued++
	s.applied = s.issued
	s.log.Debug().Str("previous_conversation_id", string(prev)).Str("conversation_id", string(id)).
		Msg("Switched open conversation")
}

// ConversationID returns the open conversation, or an empty id.
func (s *ThreadStore) ConversationID() chatapi.ID {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.conversationID
}

func (s *ThreadStore) Messages() []chatapi.Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return slices.Clone(s.messages)
}

// Loaded reports whether a load has been applied since the last switch.
func (s *ThreadStore) Loaded() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.loaded
}

func (s *ThreadStore) Loading() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.loading > 0
}

// Groups buckets the current thread by local day.
func (s *ThreadStore) Groups(now time.Time) []DateGroup {
	return GroupByDate(s.Messages(), now)
}

func (s *ThreadStore) Subscribe(fn func(ThreadUpdate)) (unsubscribe func()) {
	return s.listeners.add(fn)
}

// Load fetches every message of the conversation. The first load after a
// switch replaces the thread, later loads merge into it. Loading a different
// conversation than the open one switches to it first.
//
// A non-empty response marks the conversation as read in the background.
func (s *ThreadStore) Load(ctx context.Context, id chatapi.ID, showLoading bool) ([]chatapi.Message, error) {
	if id == "" {
		return nil, ErrNoConversation
	}
	s.lock.Lock()
	if s.conversationID != id {
		s.switchLocked(id)
	}
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

	log := s.log.With().Str("conversation_id", string(id)).Uint64("generation", gen).Logger()
	msgs, err := s.gw.ListMessages(ctx, id)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load messages")
		return nil, err
	}
	if len(msgs) > 0 {
		s.markReadAsync(ctx, id)
	}

	s.lock.Lock()
	if s.conversationID != id {
		s.lock.Unlock()
		s.metrics.staleDiscard("thread")
		log.Debug().Msg("Discarding messages for a conversation that is no longer open")
		return nil, nil
	}
	if s.discardStale && gen < s.applied {
		current := slices.Clone(s.messages)
		s.lock.Unlock()
		s.metrics.staleDiscard("thread")
		log.Debug().Msg("Discarding stale message list")
		return current, nil
	}
	firstLoad := !s.loaded
	var merged []chatapi.Message
	var added []chatapi.ID
	var changed bool
	if firstLoad {
		merged = sortMessages(dedupMessages(msgs))
		added = messageIDs(merged)
		changed = true
	} else {
		merged, added, changed = mergeMessages(s.messages, msgs)
	}
	s.messages = merged
	s.loaded = true
	if gen > s.applied {
		s.applied = gen
	}
	snapshot := slices.Clone(merged)
	s.lock.Unlock()

	log.Debug().
		Int("messages", len(snapshot)).
		Int("added", len(added)).
		Bool("first_load", firstLoad).
		Msg("Applied message list")
	if changed {
		s.listeners.notify(ThreadUpdate{
			ConversationID: id,
			Messages:       slices.Clone(snapshot),
			Added:          added,
			FirstLoad:      firstLoad,
		})
	}
	return snapshot, nil
}

// Info returns the metadata of the open conversation. It is fetched once per
// switch.
func (s *ThreadStore) Info(ctx context.Context) (*chatapi.ChatInfo, error) {
	s.lock.RLock()
	id, info := s.conversationID, s.info
	s.lock.RUnlock()
	if id == "" {
		return nil, ErrNoConversation
	} else if info != nil {
		return info, nil
	}
	info, err := s.gw.GetChatInfo(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", string(id)).Msg("Failed to fetch chat info")
		return nil, err
	} else if info == nil {
		return nil, &chatapi.FetchError{Op: "get chat info", Err: errors.New("empty response")}
	}
	s.lock.Lock()
	if s.conversationID == id {
		s.info = info
	}
	s.lock.Unlock()
	return info, nil
}

// WaitMarkRead blocks until all background mark-read requests finished.
func (s *ThreadStore) WaitMarkRead() {
	s.markReads.Wait()
}

func (s *ThreadStore) markReadAsync(ctx context.Context, id chatapi.ID) {
	s.markReads.Add(1)
	go func() {
		defer s.markReads.Done()
		log := s.log.With().Str("conversation_id", string(id)).Logger()
		if err := s.gw.MarkRead(context.WithoutCancel(ctx), id); err != nil {
			log.Warn().Err(err).Msg("Failed to mark conversation as read")
			return
		}
		log.Trace().Msg("Conversation marked as read")
		s.lock.RLock()
		hook := s.onReadAck
		s.lock.RUnlock()
		if hook != nil {
			hook(id)
		}
	}()
}

// mergeMessages overlays incoming on existing by id. Existing messages
// missing from incoming are kept, and the server copy wins for ids in both.
func mergeMessages(existing, incoming []chatapi.Message) (merged []chatapi.Message, added []chatapi.ID, changed bool) {
	index := make(map[chatapi.ID]int, len(existing))
	merged = slices.Clone(existing)
	for i, msg := range merged {
		index[msg.ID] = i
	}
	for _, msg := range incoming {
		if i, ok := index[msg.ID]; ok {
			if !merged[i].Equal(msg) {
				merged[i] = msg
				changed = true
			}
			continue
		}
		index[msg.ID] = len(merged)
		merged = append(merged, msg)
		added = append(added, msg.ID)
		changed = true
	}
	return sortMessages(merged), added, changed
}

func dedupMessages(msgs []chatapi.Message) []chatapi.Message {
	out := make([]chatapi.Message, 0, len(msgs))
	index := make(map[chatapi.ID]int, len(msgs))
	for _, msg := range msgs {
		if i, ok := index[msg.ID]; ok {
			out[i] = msg
			continue
		}
		index[msg.ID] = len(out)
		out = append(out, msg)
	}
	return out
}

func sortMessages(msgs []chatapi.Message) []chatapi.Message {
	slices.SortStableFunc(msgs, func(a, b chatapi.Message) int {
		if c := a.Timestamp.Compare(b.Timestamp.Time); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return msgs
}

// compareIDs orders numeric ids numerically and everything else lexically.
func compareIDs(a, b chatapi.ID) int {
	ai, aErr := strconv.ParseInt(string(a), 10, 64)
	bi, bErr := strconv.ParseInt(string(b), 10, 64)
	if aErr == nil && bErr == nil {
		return cmp.Compare(ai, bi)
	}
	return cmp.Compare(a, b)
}

func messageIDs(msgs []chatapi.Message) []chatapi.ID {
	ids := make([]chatapi.ID, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
	}
	return ids
}
