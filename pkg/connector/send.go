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
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

// ErrEmptyMessage is returned for blank messages before anything is sent.
var ErrEmptyMessage = errors.New("message is empty")

// WriteError is a failed write request (send, create conversation).
type WriteError struct {
	Op             string
	ConversationID chatapi.ID
	Err            error
}

func (e *WriteError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("failed to %s in conversation %s: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// MessageSender sends a message to a conversation.
type MessageSender interface {
	Send(ctx context.Context, conversationID chatapi.ID, content string) error
}

// Sender sends messages and then reloads the thread, so a sent message only
// shows up once the server has it.
type Sender struct {
	gw      chatapi.Gateway
	thread  *ThreadStore
	log     zerolog.Logger
	metrics *Metrics
}

var _ MessageSender = (*Sender)(nil)

func NewSender(gw chatapi.Gateway, thread *ThreadStore, log zerolog.Logger, metrics *Metrics) *Sender {
	return &Sender{
		gw:      gw,
		thread:  thread,
		log:     log.With().Str("component", "sender").Logger(),
		metrics: metrics,
	}
}

func (s *Sender) Send(ctx context.Context, conversationID chatapi.ID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	log := s.log.With().Str("conversation_id", string(conversationID)).Logger()
	_, err := s.gw.SendMessage(ctx, conversationID, content)
	s.metrics.observeSend(err)
	if err != nil {
		log.Err(err).Msg("Failed to send message")
		return &WriteError{Op: "send message", ConversationID: conversationID, Err: err}
	}
	log.Debug().Int("length", len(content)).Msg("Message sent")

	if s.thread == nil {
		return nil
	}
	// Loading a thread that isn't open would switch to it and mark it read.
	if open := s.thread.ConversationID(); open != conversationID {
		log.Debug().Str("open_conversation_id", string(open)).Msg("Not reloading thread, conversation is not open")
		return nil
	}
	if _, err = s.thread.Load(ctx, conversationID, false); err != nil {
		log.Warn().Err(err).Msg("Failed to reload thread after sending")
	}
	return nil
}

// Composer holds the draft of one conversation's input field.
type Composer struct {
	sender         MessageSender
	conversationID chatapi.ID

	lock    sync.Mutex
	draft   string
	sending bool
}

func NewComposer(sender MessageSender, conversationID chatapi.ID) *Composer {
	return &Composer{sender: sender, conversationID: conversationID}
}

func (c *Composer) SetDraft(draft string) {
	c.lock.Lock()
	c.draft = draft
	c.lock.Unlock()
}

func (c *Composer) Draft() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.draft
}

// Sending reports whether a submit is in progress.
func (c *Composer) Sending() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.sending
}

// Submit sends the draft. The draft is cleared only if the send succeeded.
func (c *Composer) Submit(ctx context.Context) error {
	c.lock.Lock()
	if c.sending {
		c.lock.Unlock()
		return fmt.Errorf("a message is already being sent")
	}
	draft := c.draft
	c.sending = true
	c.lock.Unlock()

	err := c.sender.Send(ctx, c.conversationID, draft)

	c.lock.Lock()
	defer c.lock.Unlock()
	c.sending = false
	if err != nil {
		return err
	}
	if c.draft == draft {
		c.draft = ""
	}
	return nil
}
