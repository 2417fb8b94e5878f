package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ent0n29/ora/internal/devstub"
)

func newStubCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run a local stand-in for the prediction and chat service",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return serveHTTP(ctx, "ora devstub", cfg.StubBindAddr, devstub.New().Router(), cfg.ShutdownTimeout)
		},
	}
	cmd.Flags().String("stub-bind-addr", "", "listen address (env ORA_STUB_BIND_ADDR)")
	_ = v.BindPFlag("stub.bind_addr", cmd.Flags().Lookup("stub-bind-addr"))
	return cmd
}
