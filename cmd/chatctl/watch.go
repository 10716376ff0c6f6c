package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/chatapi"
	"github.com/lrhodin/chatsync/pkg/connector"
)

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Keep conversations in sync and print updates until interrupted",
	ArgsUsage: "[CONVERSATION_ID]",
	Before:    requiresAuth,
	Action:    cmdWatch,
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Str("listen", addr).Msg("Metrics listener stopped")
		}
	}()
	log.Info().Str("listen", addr).Msg("Serving metrics")
	return srv
}

func cmdWatch(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := *getLogger(ctx)

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	var opts []connector.ClientOption
	if cfg.Archive.Path != "" {
		archive, err := connector.OpenArchive(runCtx, cfg.Archive.Path, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := archive.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close archive")
			}
		}()
		opts = append(opts, connector.WithArchive(archive))
	}

	reg := prometheus.NewRegistry()
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	client, err := newChatClient(ctx, reg, opts...)
	if err != nil {
		return err
	}

	now := time.Now
	unsubscribeList := client.Conversations.Subscribe(func(convs []chatapi.ConversationSummary) {
		fmt.Printf("== %s ==\n", connector.UnreadSummary(connector.CountUnread(convs)))
		printConversations(os.Stdout, convs, now())
	})
	defer unsubscribeList()
	unsubscribeBadge := client.Badge.Subscribe(func(state connector.BadgeState) {
		fmt.Printf("Badge: %s\n", connector.UnreadSummary(state.Count))
	})
	defer unsubscribeBadge()
	unsubscribeThread := client.Thread.Subscribe(func(update connector.ThreadUpdate) {
		if update.FirstLoad {
			printThread(os.Stdout, update.Messages, client.UserID, now())
			return
		}
		for _, msg := range update.AddedMessages() {
			printMessage(os.Stdout, msg, client.UserID)
		}
	})
	defer unsubscribeThread()

	client.Connect(runCtx)
	if ctx.NArg() > 0 {
		client.OpenConversation(runCtx, chatapi.ID(ctx.Args().Get(0)))
	}

	go func() {
		err := connector.WatchConfig(runCtx, getConfigPathFromContext(ctx), log, func(newCfg *connector.Config) {
			client.UpdateIntervals(newCfg.Sync)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config reloading disabled")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	select {
	case sig := <-sigc:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-runCtx.Done():
	}

	client.Disconnect()
	client.Wait()
	return nil
}
