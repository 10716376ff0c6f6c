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
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// Gateway is the REST contract of the chat backend.
type Gateway interface {
	ListConversations(ctx context.Context) ([]ConversationSummary, error)
	RecentConversations(ctx context.Context) ([]ConversationSummary, error)
	UnreadCount(ctx context.Context) (int, error)
	GetChatInfo(ctx context.Context, conversationID ID) (*ChatInfo, error)
	ListMessages(ctx context.Context, conversationID ID) ([]Message, error)
	SendMessage(ctx context.Context, conversationID ID, content string) (*Message, error)
	MarkRead(ctx context.Context, conversationID ID) error
	CreateConversation(ctx context.Context, participantID ID) (ID, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// TokenSource supplies the opaque bearer token. The login flow that produces
// it lives outside this package.
type TokenSource interface {
	Token() string
}

type StaticToken string

func (t StaticToken) Token() string {
	return string(t)
}

const DefaultBaseURL = "http://localhost:8080/api/chats"

type Options struct {
	BaseURL string
	Tokens  TokenSource

	// RequestsPerSecond caps outgoing requests. Zero disables the limiter.
	RequestsPerSecond float64
	Burst             int

	UserAgent string
	Logger    zerolog.Logger
}

// Client implements Gateway over fasthttp.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *fasthttp.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ Gateway = (*Client)(nil)

func NewClient(opts Options) (*Client, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", base)
	}
	c := &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		tokens:  opts.Tokens,
		http: &fasthttp.Client{
			Name:                     opts.UserAgent,
			NoDefaultUserAgentHeader: opts.UserAgent == "",
		},
		log: opts.Logger.With().Str("component", "gateway").Logger(),
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := c.do(ctx, fasthttp.MethodGet, "", nil, &out)
	return out, fetchErr("list conversations", err)
}

func (c *Client) RecentConversations(ctx context.Context) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := c.do(ctx, fasthttp.MethodGet, "/recent", nil, &out)
	return out, fetchErr("list recent conversations", err)
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out unreadCountResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/unread-count", nil, &out); err != nil {
		return 0, fetchErr("get unread count", err)
	}
	return out.Count, nil
}

func (c *Client) GetChatInfo(ctx context.Context, conversationID ID) (*ChatInfo, error) {
	var out *ChatInfo
	if err := c.do(ctx, fasthttp.MethodGet, chatPath(conversationID), nil, &out); err != nil {
		return nil, fetchErr("get chat info", err)
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID ID) ([]Message, error) {
	var out []Message
	err := c.do(ctx, fasthttp.MethodGet, chatPath(conversationID)+"/messages", nil, &out)
	return out, fetchErr("list messages", err)
}

// SendMessage returns the created message, or nil when the backend answers
// with an empty acknowledgement.
func (c *Client) SendMessage(ctx context.Context, conversationID ID, content string) (*Message, error) {
	var out *Message
	err := c.do(ctx, fasthttp.MethodPost, chatPath(conversationID)+"/messages", &sendMessageRequest{Content: content}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID ID) error {
	if err := c.do(ctx, fasthttp.MethodPut, chatPath(conversationID)+"/read", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to mark conversation as read: %w", err)
	}
	return nil
}

func (c *Client) CreateConversation(ctx context.Context, participantID ID) (ID, error) {
	var out createChatResponse
	if err := c.do(ctx, fasthttp.MethodPost, "", &createChatRequest{ParticipantID: participantID}, &out); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("failed to create conversation: response did not contain an id")
	}
	return out.ID, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := c.do(ctx, fasthttp.MethodGet, "/users", nil, &out)
	return out, fetchErr("list users", err)
}

func chatPath(conversationID ID) string {
	return "/" + url.PathEscape(string(conversationID))
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	requestID := uuid.NewString()
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	log := c.log.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Logger()
	start := time.Now()
	var err error
	if deadline, ok := ctx.Deadline(); ok {
		err = c.http.DoDeadline(req, resp, deadline)
	} else {
		err = c.http.Do(req, resp)
	}
	if err != nil {
		log.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("Gateway request failed")
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	respBody := append([]byte(nil), resp.Body()...)
	log.Trace().Int("status", status).Int("bytes", len(respBody)).Dur("elapsed", time.Since(start)).
		Msg("Gateway request finished")
	if status < 200 || status > 299 {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: status,
			Body:       truncate(string(bytes.TrimSpace(respBody)), 200),
		}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err = checkContent(resp.Header.ContentType(), respBody); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if err = json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// checkContent rejects markup bodies served without a JSON content type.
func checkContent(contentType, body []byte) error {
	if bytes.Contains(bytes.ToLower(contentType), []byte("json")) {
		return nil
	}
	detected := mimetype.Detect(body)
	if detected.Is("text/html") || detected.Is("text/xml") || detected.Is("application/xml") {
		return fmt.Errorf("%w: %s", ErrUnexpectedContent, detected.String())
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
