package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello there", preview("hello\n  there"))
	long := strings.Repeat("a", 100)
	got := preview(long)
	assert.Len(t, []rune(got), previewLength)
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestPrintConversations(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.Local)
	convs := []chatapi.ConversationSummary{{
		ID:               "7",
		OtherParticipant: chatapi.Participant{Name: "Dana", Online: true},
		LastMessage: &chatapi.LastMessage{
			Content:   "see you",
			Timestamp: chatapi.NewTimestamp(now.Add(-5 * time.Minute)),
		},
		HasUnread: true,
	}, {
		ID:               "8",
		OtherParticipant: chatapi.Participant{Name: "Eli"},
	}}
	var buf bytes.Buffer
	printConversations(&buf, convs, now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if assert.Len(t, lines, 2) {
		assert.True(t, strings.HasPrefix(lines[0], "* 7"))
		assert.Contains(t, lines[0], "Dana (online)")
		assert.Contains(t, lines[0], "5m")
		assert.Contains(t, lines[0], "see you")
		assert.Contains(t, lines[1], "No messages yet")
	}

	buf.Reset()
	printConversations(&buf, nil, now)
	assert.Equal(t, "No conversations\n", buf.String())
}

func TestPrintMessageMarksOwnMessages(t *testing.T) {
	ts := chatapi.NewTimestamp(time.Date(2024, 5, 10, 9, 30, 0, 0, time.Local))
	var buf bytes.Buffer
	printMessage(&buf, chatapi.Message{ID: "1", SenderID: "3", Content: "hi", Timestamp: ts, Read: true}, "3")
	assert.Equal(t, "  [09:30] you: hi ✓✓\n", buf.String())

	buf.Reset()
	printMessage(&buf, chatapi.Message{ID: "2", SenderID: "4", Content: "yo", Timestamp: ts}, "3")
	assert.Equal(t, "  [09:30] 4: yo\n", buf.String())
}
