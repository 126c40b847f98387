package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"incognito_chat/internal/config"
	redisSvc "incognito_chat/internal/service/redis"
	"incognito_chat/internal/service/server"
	"incognito_chat/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "incognito-relay",
		Short:        "Development Nostr relay for the incognito client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	root.AddCommand(serveCmd(&configPath))
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	var addr, redisAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept client connections until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("redis") {
				cfg.Server.RedisAddr = redisAddr
			}
			if err := log.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openEventStore(ctx, cfg.Server)
			if err != nil {
				return err
			}
			defer closeStore()

			c := server.NewHttpServer(store, server.Options{RateLimit: cfg.Server.RateLimit})
			return c.Run(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address, overrides the config")
	return cmd
}

// openEventStore keeps events in redis when an address is configured and in
// memory otherwise.
func openEventStore(ctx context.Context, cfg config.Server) (server.EventStore, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("using in-memory event store")
		return server.NewMemoryStore(), func() {}, nil
	}

	rs, err := redisSvc.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using redis event store", zap.String("addr", cfg.RedisAddr))
	return server.NewRedisStore(rs), func() {
		if err := rs.Close(); err != nil {
			log.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}
