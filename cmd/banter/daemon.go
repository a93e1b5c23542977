package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/banter/internal/api"
	"github.com/oriys/banter/internal/dataaccess"
	"github.com/oriys/banter/internal/logging"
	"github.com/oriys/banter/internal/metrics"
	"github.com/oriys/banter/internal/observability"
	"github.com/oriys/banter/internal/store"
)

func daemonCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the performance layer daemon",
		Long:  "Serve the cached, batched read API over the chat backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			logging.Init(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.Init("banter", nil)

			// Postgres when a DSN is configured, seeded memory otherwise.
			var chat store.ChatStore
			if cfg.Postgres.DSN != "" {
				pg, err := store.NewPostgresChatStore(context.Background(), cfg.Postgres.DSN)
				if err != nil {
					return err
				}
				chat = pg
				logging.Op().Info("using postgres chat store")
			} else {
				mem := store.NewMemoryChatStore()
				mem.SeedDemo()
				chat = mem
				logging.Op().Info("no postgres DSN configured, serving demo data from memory")
			}
			defer chat.Close()

			var presence store.PresenceSource
			if cfg.Redis.Addr != "" {
				rp, err := store.NewRedisPresenceSource(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
				if err != nil {
					return err
				}
				presence = rp
				logging.Op().Info("using redis presence source", "addr", cfg.Redis.Addr)
			} else {
				presence = store.NewStaticPresenceSource()
				logging.Op().Info("no redis address configured, presence defaults to offline")
			}
			defer presence.Close()

			svc, err := dataaccess.New(dataaccess.Options{
				Store:         chat,
				Presence:      presence,
				UsersCache:    cfg.Users,
				ChannelsCache: cfg.Channels,
				PresenceCache: cfg.Presence,
				Loader:        cfg.Loader,
				Monitor:       cfg.Monitor,
			})
			if err != nil {
				return err
			}
			defer svc.Close()

			server := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Service:       svc,
				Store:         chat,
				SlowThreshold: cfg.Monitor.SlowQueryThreshold(),
			})
			logging.Op().Info("banter daemon started", "addr", cfg.Daemon.HTTPAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				logging.Op().Warn("HTTP shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	return cmd
}
