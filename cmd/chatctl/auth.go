package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Store the access token used for the chat API",
	Before: prepareApp,
	Action: cmdLogin,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "token",
			Usage: "Access token (prompted for if omitted)",
		},
		&cli.StringFlag{
			Name:  "user-id",
			Usage: "Your user id, used to mark your own messages",
		},
	},
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Forget the stored access token",
	Before: prepareApp,
	Action: cmdLogout,
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func saveConfig(ctx *cli.Context) error {
	path := getConfigPathFromContext(ctx)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := getConfig(ctx).Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func cmdLogin(ctx *cli.Context) error {
	var err error
	token := ctx.String("token")
	if token == "" {
		token, err = readLine("Access token: ")
		if err != nil {
			return err
		}
	}
	if token == "" {
		return fmt.Errorf("no token given")
	}
	userID := ctx.String("user-id")
	if userID == "" {
		userID, err = readLine("User ID (optional): ")
		if err != nil {
			return err
		}
	}

	cfg := getConfig(ctx)
	cfg.Gateway.Token = token
	if userID != "" {
		cfg.UserID = chatapi.ID(userID)
	}

	// Check the token before storing it.
	gw, err := newGateway(ctx)
	if err != nil {
		return err
	}
	count, err := gw.UnreadCount(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to verify token: %w", err)
	}
	if err = saveConfig(ctx); err != nil {
		return err
	}
	fmt.Printf("Logged in, %d unread conversations\n", count)
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.Gateway.Token == "" {
		fmt.Println("Not logged in")
		return nil
	}
	cfg.Gateway.Token = ""
	if err := saveConfig(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}
