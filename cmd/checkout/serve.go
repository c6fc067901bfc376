package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-checkout/checkout"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the checkout HTTP service",
		Long: `Run the checkout HTTP service.

Examples:
  checkout serve --config checkout.yaml
  CHECKOUT_GATEWAY_CLIENT_SECRET=... checkout serve --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			cfg, err := checkout.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			enc, closeEnc, err := newEncryptor(cfg)
			if err != nil {
				return fmt.Errorf("encryptor: %w", err)
			}
			defer closeEnc()

			app := checkout.NewApp(logger, cfg)
			app.Encryptor = enc
			if err := app.Start(); err != nil {
				return fmt.Errorf("starting app: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("signal received", slog.String("signal", sig.String()))

			app.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http_addr")
	return cmd
}
