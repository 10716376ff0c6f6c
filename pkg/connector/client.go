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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

// ChatClient wires the gateway, stores and sync channels together and owns
// the lifecycle of the chat view.
type ChatClient struct {
	Gateway       chatapi.Gateway
	Conversations *ConversationStore
	Thread        *ThreadStore
	Badge         *BadgeStore
	Sender        *Sender
	NewChat       *NewChatFlow
	Scheduler     *Scheduler
	Metrics       *Metrics
	UserID        chatapi.ID

	log           zerolog.Logger
	archive       *ArchiveStore
	detachArchive func()

	lock      sync.Mutex
	ctx       context.Context
	intervals SyncConfig
	connected bool
}

type ClientOption func(*clientOptions)

type clientOptions struct {
	archive   *ArchiveStore
	newTicker TickerFactory
}

// WithArchive records every applied list and thread in the archive.
func WithArchive(archive *ArchiveStore) ClientOption {
	return func(opts *clientOptions) {
		opts.archive = archive
	}
}

// WithTicker replaces the tickers driving the sync channels.
func WithTicker(newTicker TickerFactory) ClientOption {
	return func(opts *clientOptions) {
		opts.newTicker = newTicker
	}
}

// NewChatClient builds a client. reg may be nil to skip metrics
// registration.
func NewChatClient(gw chatapi.Gateway, cfg *Config, log zerolog.Logger, reg prometheus.Registerer, opts ...ClientOption) *ChatClient {
	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	discardStale := cfg.Sync.ShouldDiscardStale()
	metrics := NewMetrics(reg)
	thread := NewThreadStore(gw, log, metrics, discardStale)
	c := &ChatClient{
		Gateway:       gw,
		Conversations: NewConversationStore(gw, log, metrics, discardStale),
		Thread:        thread,
		Badge:         NewBadgeStore(gw, log, metrics, discardStale),
		Sender:        NewSender(gw, thread, log, metrics),
		NewChat:       NewNewChatFlow(gw, log),
		Scheduler:     NewScheduler(log, metrics, options.newTicker),
		Metrics:       metrics,
		UserID:        cfg.UserID,

		log:       log.With().Str("component", "chat_client").Logger(),
		archive:   options.archive,
		intervals: cfg.Sync,
	}
	thread.SetReadAckHook(c.onReadAck)
	return c
}

// Connect starts the conversation list and badge channels. Each runs once
// immediately.
func (c *ChatClient) Connect(ctx context.Context) {
	c.lock.Lock()
	if c.connected {
		c.lock.Unlock()
		return
	}
	c.connected = true
	c.ctx = ctx
	intervals := c.intervals
	if c.archive != nil {
		if c.detachArchive != nil {
			c.detachArchive()
		}
		c.detachArchive = c.archive.Attach(context.WithoutCancel(ctx), c.Conversations, c.Thread)
	}
	c.lock.Unlock()

	c.log.Info().
		Dur("list_interval", intervals.ListInterval).
		Dur("thread_interval", intervals.ThreadInterval).
		Dur("badge_interval", intervals.BadgeInterval).
		Msg("Starting conversation sync")
	c.Scheduler.Channel(ChannelList).Start(ctx, intervals.ListInterval, func(ctx context.Context) error {
		_, err := c.Conversations.Refresh(ctx, !c.Conversations.Loaded())
		return err
	})
	c.Scheduler.Channel(ChannelBadge).Start(ctx, intervals.BadgeInterval, c.Badge.Refresh)
}

// OpenConversation makes id the open conversation and starts polling its
// thread, loading the first batch right away.
func (c *ChatClient) OpenConversation(ctx context.Context, id chatapi.ID) {
	c.lock.Lock()
	interval := c.intervals.ThreadInterval
	if c.connected {
		ctx = c.ctx
	}
	c.lock.Unlock()

	c.Thread.Switch(id)
	c.log.Debug().Str("conversation_id", string(id)).Msg("Opening conversation")
	c.Scheduler.Channel(ChannelThread).Start(ctx, interval, func(ctx context.Context) error {
		first := !c.Thread.Loaded()
		if first {
			// Chat info failures are logged by the store and don't block messages.
			_, _ = c.Thread.Info(ctx)
		}
		_, err := c.Thread.Load(ctx, id, first)
		return err
	})
}

// CloseConversation stops thread polling and clears the thread.
func (c *ChatClient) CloseConversation() {
	c.Scheduler.Channel(ChannelThread).Stop()
	c.Thread.Switch("")
}

// StartConversation creates (or gets) the conversation with the participant
// and opens it.
func (c *ChatClient) StartConversation(ctx context.Context, participantID chatapi.ID) (chatapi.ID, error) {
	id, err := c.NewChat.Start(ctx, participantID)
	if err != nil {
		return "", err
	}
	c.OpenConversation(ctx, id)
	c.Scheduler.Channel(ChannelList).Trigger()
	return id, nil
}

// Send sends a message and reloads the open thread once the server
// confirmed it.
func (c *ChatClient) Send(ctx context.Context, conversationID chatapi.ID, content string) error {
	return c.Sender.Send(ctx, conversationID, content)
}

// Composer returns a draft holder for the conversation.
func (c *ChatClient) Composer(conversationID chatapi.ID) *Composer {
	return NewComposer(c.Sender, conversationID)
}

// UpdateIntervals applies new polling intervals to the running channels.
func (c *ChatClient) UpdateIntervals(cfg SyncConfig) {
	c.lock.Lock()
	c.intervals.ListInterval = cfg.ListInterval
	c.intervals.ThreadInterval = cfg.ThreadInterval
	c.intervals.BadgeInterval = cfg.BadgeInterval
	c.lock.Unlock()
	c.Scheduler.Channel(ChannelList).SetInterval(cfg.ListInterval)
	c.Scheduler.Channel(ChannelThread).SetInterval(cfg.ThreadInterval)
	c.Scheduler.Channel(ChannelBadge).SetInterval(cfg.BadgeInterval)
	c.log.Info().
		Dur("list_interval", cfg.ListInterval).
		Dur("thread_interval", cfg.ThreadInterval).
		Dur("badge_interval", cfg.BadgeInterval).
		Msg("Updated sync intervals")
}

// Disconnect stops all channels. Requests already in flight still complete
// and are applied; use Wait to block until they are done.
func (c *ChatClient) Disconnect() {
	c.lock.Lock()
	if !c.connected {
		c.lock.Unlock()
		c.Scheduler.StopAll()
		return
	}
	c.connected = false
	c.lock.Unlock()
	c.Scheduler.StopAll()
	c.log.Info().Msg("Stopped conversation sync")
}

// Wait blocks until in-flight sync runs and mark-read requests finished, then
// detaches the archive.
func (c *ChatClient) Wait() {
	c.Scheduler.Wait()
	c.Thread.WaitMarkRead()
	c.lock.Lock()
	detach := c.detachArchive
	c.detachArchive = nil
	c.lock.Unlock()
	if detach != nil {
		detach()
	}
}

// onReadAck picks up the server's new read state without flipping anything
// locally. Acks for conversations already shown as read change nothing, so
// they don't pull the list and badge off their own intervals.
func (c *ChatClient) onReadAck(id chatapi.ID) {
	if !c.shownAsUnread(id) {
		return
	}
	listTriggered := c.Scheduler.Channel(ChannelList).Trigger()
	badgeTriggered := c.Scheduler.Channel(ChannelBadge).Trigger()
	c.log.Debug().
		Str("conversation_id", string(id)).
		Bool("list_triggered", listTriggered).
		Bool("badge_triggered", badgeTriggered).
		Msg("Conversation marked as read, refreshing unread state")
}

// shownAsUnread reports whether the list or the badge still show the
// conversation as unread. A conversation the list doesn't know yet counts as
// unread.
func (c *ChatClient) shownAsUnread(id chatapi.ID) bool {
	conv, ok := c.Conversations.Find(id)
	if !ok || conv.HasUnread {
		return true
	}
	for _, recent := range c.Badge.Recent() {
		if recent.ID == id && recent.HasUnread {
			return true
		}
	}
	return false
}
