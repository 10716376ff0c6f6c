// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is an opaque identifier. The backend emits numeric ids, but nothing in
// this package depends on that, so both JSON numbers and strings are accepted.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*id = ""
	case data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = ID(str)
	default:
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return fmt.Errorf("invalid id %s: %w", data, err)
		}
		*id = ID(num.String())
	}
	return nil
}

// MarshalJSON emits purely numeric ids as JSON numbers so the backend can
// bind them to integer fields.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp accepts RFC 3339, zone-less ISO date-times (local zone) and
// epoch milliseconds.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		ts.Time = time.UnixMilli(ms)
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		ts.Time = time.Time{}
		return nil
	}
	for i, layout := range timestampLayouts {
		var parsed time.Time
		var err error
		if i == 0 {
			parsed, err = time.Parse(layout, raw)
		} else {
			parsed, err = time.ParseInLocation(layout, raw, time.Local)
		}
		if err == nil {
			ts.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp format %q", raw)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

// Participant is the other party of a two-party conversation. Online is a
// snapshot from the last fetch.
type Participant struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

type LastMessage struct {
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID               ID           `json:"id"`
	OtherParticipant Participant  `json:"otherParticipant"`
	LastMessage      *LastMessage `json:"lastMessage"`
	HasUnread        bool         `json:"hasUnread"`
}

// Equal reports whether two summaries carry the same visible state.
func (cs ConversationSummary) Equal(other ConversationSummary) bool {
	if cs.ID != other.ID || cs.OtherParticipant != other.OtherParticipant || cs.HasUnread != other.HasUnread {
		return false
	}
	if (cs.LastMessage == nil) != (other.LastMessage == nil) {
		return false
	}
	if cs.LastMessage == nil {
		return true
	}
	return cs.LastMessage.Content == other.LastMessage.Content &&
		cs.LastMessage.Timestamp.Equal(other.LastMessage.Timestamp.Time)
}

type Message struct {
	ID        ID        `json:"id"`
	SenderID  ID        `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp Timestamp `json:"timestamp"`
	Read      bool      `json:"read"`
}

// IsOwn reports whether the message was sent by the given user.
func (m Message) IsOwn(userID ID) bool {
	return userID != "" && m.SenderID == userID
}

// Equal reports whether two copies of a message carry the same visible state.
func (m Message) Equal(other Message) bool {
	return m.ID == other.ID &&
		m.SenderID == other.SenderID &&
		m.Content == other.Content &&
		m.Read == other.Read &&
		m.Timestamp.Equal(other.Timestamp.Time)
}

// ChatInfo is the metadata of a single conversation.
type ChatInfo struct {
	ID               ID          `json:"id"`
	OtherParticipant Participant `json:"otherParticipant"`
}

// User is a candidate participant for a new conversation.
type User struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type createChatRequest struct {
	ParticipantID ID `json:"participantId"`
}

type createChatResponse struct {
	ID ID `json:"id"`
}
