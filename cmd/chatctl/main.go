package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"golang.org/x/term"

	"github.com/lrhodin/chatsync/pkg/chatapi"
	"github.com/lrhodin/chatsync/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyConfigPath
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getConfigPathFromContext(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyConfigPath).(string)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatctl", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	if envFile := ctx.String("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	path := ctx.String("config")
	cfg, err := connector.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	log, err := initLogger(&cfg.Logging, ctx.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyConfigPath, path)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if getConfig(ctx).Gateway.Token == "" {
		return fmt.Errorf("you are not logged in, run 'chatctl login' first")
	}
	return nil
}

func initLogger(cfg *zeroconfig.Config, verbose bool) (*zerolog.Logger, error) {
	if verbose {
		cfg.MinLevel = ptr.Ptr(zerolog.DebugLevel)
	}
	colors := term.IsTerminal(int(os.Stderr.Fd()))
	for i := range cfg.Writers {
		if !colors && cfg.Writers[i].Format == zeroconfig.LogFormatPrettyColored {
			cfg.Writers[i].Format = zeroconfig.LogFormatPretty
		}
	}
	return cfg.Compile()
}

func newGateway(ctx *cli.Context) (*chatapi.Client, error) {
	cfg := getConfig(ctx)
	return chatapi.NewClient(chatapi.Options{
		BaseURL:           cfg.Gateway.BaseURL,
		Tokens:            chatapi.StaticToken(cfg.Gateway.Token),
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		UserAgent:         cfg.Gateway.UserAgent,
		Logger:            *getLogger(ctx),
	})
}

func newChatClient(ctx *cli.Context, reg prometheus.Registerer, opts ...connector.ClientOption) (*connector.ChatClient, error) {
	gw, err := newGateway(ctx)
	if err != nil {
		return nil, err
	}
	return connector.NewChatClient(gw, getConfig(ctx), *getLogger(ctx), reg, opts...), nil
}

func main() {
	app := &cli.App{
		Name:    "chatctl",
		Usage:   "Browse and sync inventory chat conversations",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Path to a .env file with CHATSYNC_* overrides",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			configCommand,
			listCommand,
			unreadCommand,
			openCommand,
			sendCommand,
			newCommand,
			watchCommand,
			historyCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
