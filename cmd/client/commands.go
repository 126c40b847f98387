package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"incognito_chat/internal/config"
	"incognito_chat/internal/cryptographic/signature"
	"incognito_chat/internal/model"
	"incognito_chat/internal/repository/state"
	"incognito_chat/internal/service/app"
	"incognito_chat/internal/service/tui"
	"incognito_chat/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultLogFile = "incognito.log"

var (
	configPath string
	keyHex     string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "incognito",
		Short:        "Incognito chat over Nostr relays",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&keyHex, "key", "", "hex private key to use instead of the stored identity")

	root.AddCommand(runCmd(), keygenCmd(), backupCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the chat client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			// The terminal belongs to the UI.
			if cfg.Logging.File == "" {
				cfg.Logging.File = defaultLogFile
			}
			if err := log.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStore()

			if cfg.Metrics.Addr != "" {
				go serveMetrics(ctx, cfg.Metrics.Addr)
			}

			signer, err := signerFromFlag()
			if err != nil {
				return err
			}

			ui := tui.New()
			engine, err := app.New(cfg, app.Deps{
				Signer:  signer,
				KV:      store,
				Display: ui,
			})
			if err != nil {
				return err
			}
			ui.Attach(engine)

			if err := engine.Start(ctx); err != nil {
				return err
			}
			defer engine.Stop()

			log.Info("client started", log.Pubkey("self", engine.Self().Hex()))

			go func() {
				<-ctx.Done()
				ui.Stop()
			}()
			return ui.Run()
		},
	}
}

func keygenCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a long-term key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := signature.GenerateSigner()
			if err != nil {
				return err
			}

			if save {
				cfg, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				store, closeStore, err := openStore(cmd.Context(), cfg.Storage)
				if err != nil {
					return err
				}
				defer closeStore()

				repo := state.NewRepo(store)
				if _, ok, err := repo.LoadIdentity(cmd.Context()); err != nil {
					return err
				} else if ok {
					return errors.New("an identity is already stored")
				}
				if err := repo.SaveIdentity(cmd.Context(), signer.PrivateKey()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "public key:  %s\n", signer.PublicKey().Hex())
			fmt.Fprintf(out, "private key: %s\n", signer.PrivateKey().Hex())
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the key as this client's identity")
	return cmd
}

func backupCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Publish an encrypted state backup and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStore()

			signer, err := signerFromFlag()
			if err != nil {
				return err
			}
			engine, err := app.New(cfg, app.Deps{Signer: signer, KV: store})
			if err != nil {
				return err
			}
			if err := engine.Start(ctx); err != nil {
				return err
			}
			defer engine.Stop()

			if err := waitConnected(ctx, engine, wait); err != nil {
				return err
			}
			if err := engine.PublishBackup(ctx); err != nil {
				return err
			}

			// Give the writers a moment to flush before the sockets close.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			log.Info("backup published", log.Pubkey("self", engine.Self().Hex()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for a relay connection")
	return cmd
}

func signerFromFlag() (*signature.LocalSigner, error) {
	if keyHex == "" {
		return nil, nil
	}
	priv, err := model.ParseKey(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse --key: %w", err)
	}
	return signature.NewLocalSigner(priv)
}

func waitConnected(ctx context.Context, engine *app.App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, connected := engine.Relays(); len(connected) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			log.Warn("no relay connected", zap.Duration("waited", timeout))
			return fmt.Errorf("no relay connected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
