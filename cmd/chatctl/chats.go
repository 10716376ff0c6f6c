package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chatapi"
	"github.com/lrhodin/chatsync/pkg/connector"
)

var listCommand = &cli.Command{
	Name:    "list",
	Aliases: []string{"ls"},
	Usage:   "List conversations",
	Before:  requiresAuth,
	Action:  cmdList,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "search",
			Aliases: []string{"s"},
			Usage:   "Only show conversations whose participant or last message matches",
		},
	},
}

var unreadCommand = &cli.Command{
	Name:   "unread",
	Usage:  "Show the unread conversation count and recent conversations",
	Before: requiresAuth,
	Action: cmdUnread,
}

var openCommand = &cli.Command{
	Name:      "open",
	Usage:     "Show a conversation and mark it as read",
	ArgsUsage: "CONVERSATION_ID",
	Before:    requiresAuth,
	Action:    cmdOpen,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message",
	ArgsUsage: "CONVERSATION_ID TEXT...",
	Before:    requiresAuth,
	Action:    cmdSend,
}

var newCommand = &cli.Command{
	Name:   "new",
	Usage:  "List users to start a conversation with, or start one",
	Before: requiresAuth,
	Action: cmdNew,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "search",
			Aliases: []string{"s"},
			Usage:   "Filter users by name or email",
		},
		&cli.StringFlag{
			Name:  "start",
			Usage: "Start a conversation with this user id",
		},
	},
}

func cmdList(ctx *cli.Context) error {
	client, err := newChatClient(ctx, nil)
	if err != nil {
		return err
	}
	if _, err = client.Conversations.Refresh(ctx.Context, true); err != nil {
		return err
	}
	convs := client.Conversations.ApplyFilter(ctx.String("search"))
	fmt.Println(connector.UnreadSummary(client.Conversations.UnreadCount()))
	printConversations(os.Stdout, convs, time.Now())
	return nil
}

func cmdUnread(ctx *cli.Context) error {
	client, err := newChatClient(ctx, nil)
	if err != nil {
		return err
	}
	if err = client.Badge.Refresh(ctx.Context); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	fmt.Println(client.Badge.Summary())
	printConversations(os.Stdout, client.Badge.Recent(), time.Now())
	return nil
}

func conversationArg(ctx *cli.Context) (chatapi.ID, error) {
	if ctx.NArg() == 0 {
		return "", fmt.Errorf("you must specify a conversation id")
	}
	return chatapi.ID(ctx.Args().Get(0)), nil
}

func cmdOpen(ctx *cli.Context) error {
	id, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	client, err := newChatClient(ctx, nil)
	if err != nil {
		return err
	}
	client.Thread.Switch(id)
	if info, err := client.Thread.Info(ctx.Context); err == nil {
		printInfo(os.Stdout, info)
	}
	msgs, err := client.Thread.Load(ctx.Context, id, true)
	if err != nil {
		return err
	}
	printThread(os.Stdout, msgs, client.UserID, time.Now())
	client.Thread.WaitMarkRead()
	return nil
}

func cmdSend(ctx *cli.Context) error {
	id, err := conversationArg(ctx)
	if err != nil {
		return err
	}
	content := strings.Join(ctx.Args().Tail(), " ")
	client, err := newChatClient(ctx, nil)
	if err != nil {
		return err
	}
	client.Thread.Switch(id)
	if err = client.Send(ctx.Context, id, content); err != nil {
		return err
	}
	msgs := client.Thread.Messages()
	if len(msgs) > 3 {
		msgs = msgs[len(msgs)-3:]
	}
	printThread(os.Stdout, msgs, client.UserID, time.Now())
	client.Thread.WaitMarkRead()
	return nil
}

func cmdNew(ctx *cli.Context) error {
	client, err := newChatClient(ctx, nil)
	if err != nil {
		return err
	}
	if participant := ctx.String("start"); participant != "" {
		id, err := client.NewChat.Start(ctx.Context, chatapi.ID(participant))
		if err != nil {
			return err
		}
		fmt.Printf("Conversation %s\n", id)
		return nil
	}
	if _, err = client.NewChat.Open(ctx.Context); err != nil {
		return err
	}
	printUsers(os.Stdout, client.NewChat.Candidates(ctx.String("search")))
	return nil
}
