package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ent0n29/ora/internal/app"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser UI and session websocket",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			// Analyses and chat turns outlive client disconnects but not shutdown.
			runCtx, runCancel := context.WithCancel(context.Background())
			defer runCancel()

			b, err := app.Build(runCtx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := b.Cleanup(); err != nil {
					logrus.WithError(err).Warn("cleanup failed")
				}
			}()
			b.StartJanitor(runCtx)

			return serveHTTP(ctx, "ora", cfg.BindAddr, b.API.Router(), cfg.ShutdownTimeout)
		},
	}
	cmd.Flags().String("bind-addr", "", "listen address (env ORA_BIND_ADDR)")
	_ = v.BindPFlag("bind_addr", cmd.Flags().Lookup("bind-addr"))
	return cmd
}
