package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lrhodin/chatsync/pkg/chatapi"
	"github.com/lrhodin/chatsync/pkg/connector"
)

const previewLength = 60

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength-1]) + "…"
}

func printConversations(w io.Writer, convs []chatapi.ConversationSummary, now time.Time) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations")
		return
	}
	for _, conv := range convs {
		marker := " "
		if conv.HasUnread {
			marker = "*"
		}
		online := ""
		if conv.OtherParticipant.Online {
			online = " (online)"
		}
		last, when := "No messages yet", ""
		if conv.LastMessage != nil {
			last = preview(conv.LastMessage.Content)
			if !conv.LastMessage.Timestamp.IsZero() {
				when = connector.FormatRelative(now, conv.LastMessage.Timestamp.Time)
			}
		}
		fmt.Fprintf(w, "%s %-6s %s%s  %s  %s\n", marker, conv.ID, conv.OtherParticipant.Name, online, when, last)
	}
}

func printInfo(w io.Writer, info *chatapi.ChatInfo) {
	if info == nil {
		return
	}
	status := "offline"
	if info.OtherParticipant.Online {
		status = "online"
	}
	fmt.Fprintf(w, "Conversation %s with %s (%s)\n", info.ID, info.OtherParticipant.Name, status)
}

func printMessage(w io.Writer, msg chatapi.Message, userID chatapi.ID) {
	sender := string(msg.SenderID)
	ticks := ""
	if msg.IsOwn(userID) {
		sender = "you"
		ticks = " ✓"
		if msg.Read {
			ticks = " ✓✓"
		}
	}
	fmt.Fprintf(w, "  [%s] %s: %s%s\n", connector.FormatTime(msg.Timestamp.Time), sender, msg.Content, ticks)
}

func printThread(w io.Writer, msgs []chatapi.Message, userID chatapi.ID, now time.Time) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages yet")
		return
	}
	for _, group := range connector.GroupByDate(msgs, now) {
		fmt.Fprintf(w, "-- %s --\n", group.Label)
		for _, msg := range group.Messages {
			printMessage(w, msg, userID)
		}
	}
}

func printUsers(w io.Writer, users []chatapi.User) {
	if len(users) == 0 {
		fmt.Fprintln(w, "No users found")
		return
	}
	for _, user := range users {
		fmt.Fprintf(w, "  %-6s %s <%s>\n", user.ID, user.Name, user.Email)
	}
}
