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
	"slices"
	"sync"
	"time"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

var errBackendDown = &chatapi.FetchError{Op: "test", Err: errors.New("backend down")}

// fakeGateway is an in-memory chatapi.Gateway. Setting an *Err field makes
// the matching call fail; setting a *Hook runs it before the call returns.
type fakeGateway struct {
	lock sync.Mutex

	conversations []chatapi.ConversationSummary
	recent        []chatapi.ConversationSummary
	unread        int
	messages      map[chatapi.ID][]chatapi.Message
	infos         map[chatapi.ID]*chatapi.ChatInfo
	users         []chatapi.User
	createdID     chatapi.ID

	listErr     error
	recentErr   error
	unreadErr   error
	infoErr     error
	messagesErr error
	sendErr     error
	markReadErr error
	createErr   error
	usersErr    error

	listHook     func()
	messagesHook func(id chatapi.ID)
	markReadHook func(id chatapi.ID)

	calls    map[string]int
	sent     []sentMessage
	markRead []chatapi.ID
}

type sentMessage struct {
	ConversationID chatapi.ID
	Content        string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[chatapi.ID][]chatapi.Message),
		infos:    make(map[chatapi.ID]*chatapi.ChatInfo),
		calls:    make(map[string]int),
	}
}

func (g *fakeGateway) record(name string) {
	g.lock.Lock()
	g.calls[name]++
	g.lock.Unlock()
}

func (g *fakeGateway) Calls(name string) int {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.calls[name]
}

func (g *fakeGateway) TotalCalls() int {
	g.lock.Lock()
	defer g.lock.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

func (g *fakeGateway) Set(fn func(g *fakeGateway)) {
	g.lock.Lock()
	defer g.lock.Unlock()
	fn(g)
}

func (g *fakeGateway) ListConversations(ctx context.Context) ([]chatapi.ConversationSummary, error) {
	g.record("list")
	g.lock.Lock()
	hook := g.listHook
	g.lock.Unlock()
	if hook != nil {
		hook()
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return slices.Clone(g.conversations), nil
}

func (g *fakeGateway) RecentConversations(ctx context.Context) ([]chatapi.ConversationSummary, error) {
	g.record("recent")
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.recentErr != nil {
		return nil, g.recentErr
	}
	return slices.Clone(g.recent), nil
}

func (g *fakeGateway) UnreadCount(ctx context.Context) (int, error) {
	g.record("unread")
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.unreadErr != nil {
		return 0, g.unreadErr
	}
	return g.unread, nil
}

func (g *fakeGateway) GetChatInfo(ctx context.Context, id chatapi.ID) (*chatapi.ChatInfo, error) {
	g.record("info")
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.infoErr != nil {
		return nil, g.infoErr
	}
	return g.infos[id], nil
}

func (g *fakeGateway) ListMessages(ctx context.Context, id chatapi.ID) ([]chatapi.Message, error) {
	g.record("messages")
	g.lock.Lock()
	hook := g.messagesHook
	g.lock.Unlock()
	if hook != nil {
		hook(id)
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.messagesErr != nil {
		return nil, g.messagesErr
	}
	return slices.Clone(g.messages[id]), nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, id chatapi.ID, content string) (*chatapi.Message, error) {
	g.record("send")
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.sent = append(g.sent, sentMessage{ConversationID: id, Content: content})
	msg := chatapi.Message{
		ID:        chatapi.ID("sent-" + content),
		SenderID:  "me",
		Content:   content,
		Timestamp: chatapi.NewTimestamp(time.Now()),
	}
	g.messages[id] = append(g.messages[id], msg)
	return &msg, nil
}

func (g *fakeGateway) MarkRead(ctx context.Context, id chatapi.ID) error {
	g.record("mark_read")
	g.lock.Lock()
	hook := g.markReadHook
	err := g.markReadErr
	if err == nil {
		g.markRead = append(g.markRead, id)
	}
	g.lock.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

func (g *fakeGateway) CreateConversation(ctx context.Context, participantID chatapi.ID) (chatapi.ID, error) {
	g.record("create")
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.createdID, nil
}

func (g *fakeGateway) ListUsers(ctx context.Context) ([]chatapi.User, error) {
	g.record("users")
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.usersErr != nil {
		return nil, g.usersErr
	}
	return slices.Clone(g.users), nil
}

var _ chatapi.Gateway = (*fakeGateway)(nil)

func summary(id, name, last string, unread bool) chatapi.ConversationSummary {
	conv := chatapi.ConversationSummary{
		ID:               chatapi.ID(id),
		OtherParticipant: chatapi.Participant{ID: chatapi.ID("u" + id), Name: name},
		HasUnread:        unread,
	}
	if last != "" {
		conv.LastMessage = &chatapi.LastMessage{
			Content:   last,
			Timestamp: chatapi.NewTimestamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)),
		}
	}
	return conv
}

func message(id string, ts time.Time, content string) chatapi.Message {
	return chatapi.Message{
		ID:        chatapi.ID(id),
		SenderID:  "2",
		Content:   content,
		Timestamp: chatapi.NewTimestamp(ts),
	}
}
