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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method    string
	Path      string
	Auth      string
	RequestID string
	Body      string
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []recordedRequest
	router   *mux.Router
}

func newFakeBackend(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	fb := &fakeBackend{router: mux.NewRouter()}
	api := fb.router.PathPrefix("/api/chats").Subrouter()
	api.Use(fb.record)

	api.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"id":               7,
			"otherParticipant": map[string]any{"id": 2, "name": "Dana Stock", "online": true},
			"lastMessage":      map[string]any{"content": "pallets arrived", "timestamp": "2024-03-01T09:30:00Z"},
			"hasUnread":        true,
		}, {
			"id":               "8",
			"otherParticipant": map[string]any{"id": 3, "name": "Lee Ware", "online": false},
			"lastMessage":      nil,
			"hasUnread":        false,
		}})
	}).Methods(http.MethodGet)
	api.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParticipantID json.Number `json:"participantId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, map[string]any{"id": 99, "participant": req.ParticipantID})
	}).Methods(http.MethodPost)
	api.HandleFunc("/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	}).Methods(http.MethodGet)
	api.HandleFunc("/unread-count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"count": 4})
	}).Methods(http.MethodGet)
	api.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"id": 5, "name": "Ana", "email": "ana@example.com"}})
	}).Methods(http.MethodGet)
	api.HandleFunc("/{id}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "404" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"id":               mux.Vars(r)["id"],
			"otherParticipant": map[string]any{"id": 2, "name": "Dana Stock", "online": true},
		})
	}).Methods(http.MethodGet)
	api.HandleFunc("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "html" {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>Please sign in</body></html>")
			return
		}
		writeJSON(w, []map[string]any{
			{"id": 2, "senderId": 1, "content": "second", "timestamp": 1709285400000, "read": false},
			{"id": 1, "senderId": 2, "content": "first", "timestamp": "2024-03-01T09:00:00", "read": true},
		})
	}).Methods(http.MethodGet)
	api.HandleFunc("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}).Methods(http.MethodPost)
	api.HandleFunc("/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["id"] == "locked" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPut)

	srv := httptest.NewServer(fb.router)
	t.Cleanup(srv.Close)

	client, err := NewClient(Options{
		BaseURL: srv.URL + "/api/chats",
		Tokens:  StaticToken("secret-token"),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return fb, client
}

func (fb *fakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		fb.mu.Lock()
		fb.requests = append(fb.requests, recordedRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Auth:      r.Header.Get("Authorization"),
			RequestID: r.Header.Get("X-Request-ID"),
			Body:      string(body),
		})
		fb.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (fb *fakeBackend) last() recordedRequest {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.requests[len(fb.requests)-1]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListConversations(t *testing.T) {
	fb, client := newFakeBackend(t)

	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)

	assert.Equal(t, ID("7"), convs[0].ID)
	assert.Equal(t, "Dana Stock", convs[0].OtherParticipant.Name)
	assert.True(t, convs[0].OtherParticipant.Online)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "pallets arrived", convs[0].LastMessage.Content)
	assert.True(t, convs[0].LastMessage.Timestamp.Equal(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)))
	assert.True(t, convs[0].HasUnread)

	assert.Equal(t, ID("8"), convs[1].ID)
	assert.Nil(t, convs[1].LastMessage)

	req := fb.last()
	assert.Equal(t, "Bearer secret-token", req.Auth)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "/api/chats", req.Path)
}

func TestListMessagesTimestampFormats(t *testing.T) {
	_, client := newFakeBackend(t)

	msgs, err := client.ListMessages(context.Background(), "7")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, ID("2"), msgs[0].ID)
	assert.Equal(t, ID("1"), msgs[0].SenderID)
	assert.True(t, msgs[0].Timestamp.Equal(time.UnixMilli(1709285400000)))
	assert.True(t, msgs[1].Timestamp.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)))
	assert.True(t, msgs[1].Read)
}

func TestUnreadCountAndUsers(t *testing.T) {
	_, client := newFakeBackend(t)

	count, err := client.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, User{ID: "5", Name: "Ana", Email: "ana@example.com"}, users[0])

	recent, err := client.RecentConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestGetChatInfo(t *testing.T) {
	_, client := newFakeBackend(t)

	info, err := client.GetChatInfo(context.Background(), "7")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, ID("7"), info.ID)
	assert.Equal(t, "Dana Stock", info.OtherParticipant.Name)

	_, err = client.GetChatInfo(context.Background(), "404")
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestSendMessageEmptyAck(t *testing.T) {
	fb, client := newFakeBackend(t)

	msg, err := client.SendMessage(context.Background(), "7", "hello there")
	require.NoError(t, err)
	assert.Nil(t, msg)

	req := fb.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/chats/7/messages", req.Path)
	assert.JSONEq(t, `{"content":"hello there"}`, req.Body)
}

func TestCreateConversationSendsNumericID(t *testing.T) {
	fb, client := newFakeBackend(t)

	id, err := client.CreateConversation(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, ID("99"), id)
	assert.JSONEq(t, `{"participantId":5}`, fb.last().Body)
}

func TestMarkRead(t *testing.T) {
	fb, client := newFakeBackend(t)

	require.NoError(t, client.MarkRead(context.Background(), "7"))
	assert.Equal(t, http.MethodPut, fb.last().Method)
	assert.Equal(t, "/api/chats/7/read", fb.last().Path)

	err := client.MarkRead(context.Background(), "locked")
	require.Error(t, err)
	assert.False(t, IsFetchError(err))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestHTMLResponseRejected(t *testing.T) {
	_, client := newFakeBackend(t)

	_, err := client.ListMessages(context.Background(), "html")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedContent)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "ftp://example.com/chats"})
	assert.Error(t, err)

	client, err := NewClient(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, client.baseURL)
}

func TestCanceledContext(t *testing.T) {
	_, client := newFakeBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListConversations(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	// "é" is two bytes, so a cut at byte 3 falls inside the second one.
	got := truncate("éééé", 3)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "é…", got)
	assert.Equal(t, "ab…", truncate("abcdef", 2))
}
