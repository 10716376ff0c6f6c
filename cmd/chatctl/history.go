package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chatapi"
	"github.com/lrhodin/chatsync/pkg/connector"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Read archived conversations without contacting the server",
	ArgsUsage: "[CONVERSATION_ID]",
	Before:    prepareApp,
	Action:    cmdHistory,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Value:   50,
			Usage:   "Number of most recent messages to show",
		},
	},
}

func cmdHistory(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.Archive.Path == "" {
		return fmt.Errorf("archive is disabled, set archive.path in the config")
	}
	if _, err := os.Stat(cfg.Archive.Path); err != nil {
		return fmt.Errorf("no archive at %s: %w", cfg.Archive.Path, err)
	}
	archive, err := connector.OpenArchive(ctx.Context, cfg.Archive.Path, *getLogger(ctx))
	if err != nil {
		return err
	}
	defer archive.Close()

	if ctx.NArg() == 0 {
		convs, err := archive.ListConversations(ctx.Context)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("Archive is empty")
			return nil
		}
		for _, conv := range convs {
			marker := " "
			if conv.HasUnread {
				marker = "*"
			}
			fmt.Printf("%s %-6s %s  %s messages, updated %s\n",
				marker, conv.ID, conv.ParticipantName,
				humanize.Comma(int64(conv.MessageCount)), humanize.Time(conv.UpdatedAt))
		}
		return nil
	}

	id := chatapi.ID(ctx.Args().Get(0))
	conv, err := archive.GetConversation(ctx.Context, id)
	if err != nil {
		return err
	} else if conv == nil {
		return fmt.Errorf("conversation %s is not in the archive", id)
	}
	msgs, err := archive.History(ctx.Context, id, ctx.Int("limit"))
	if err != nil {
		return err
	}
	fmt.Printf("Conversation %s with %s (%s messages archived)\n",
		conv.ID, conv.ParticipantName, humanize.Comma(int64(conv.MessageCount)))
	printThread(os.Stdout, msgs, cfg.UserID, time.Now())
	return nil
}
