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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ent0n29/ora/internal/config"
	"github.com/ent0n29/ora/internal/logging"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "ora",
		Short:         "Record a short voice clip, read its emotions and keep talking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "YAML config file (env ORA_CONFIG)")
	flags.String("log-level", "", "log level (env ORA_LOG_LEVEL)")
	flags.String("log-format", "", "text|json (env ORA_LOG_FORMAT)")
	flags.String("service-base-url", "", "prediction service base URL (env ORA_SERVICE_BASE_URL)")
	flags.String("upload-strategy", "", "direct|url (env ORA_SERVICE_UPLOAD_STRATEGY)")
	flags.Duration("max-duration", 0, "maximum recording length (env ORA_CAPTURE_MAX_DURATION)")

	bind := map[string]string{
		"config":                  "config",
		"log.level":               "log-level",
		"log.format":              "log-format",
		"service.base_url":        "service-base-url",
		"service.upload_strategy": "upload-strategy",
		"capture.max_duration":    "max-duration",
	}
	for key, name := range bind {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(newServeCmd(v), newChatCmd(v), newStubCmd(v))
	return root
}

// loadConfig resolves configuration and sets up logging. Flags win when set;
// otherwise the environment, the config file and defaults apply in that order.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveHTTP runs handler on addr until ctx ends, then shuts down gracefully.
func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Infof("%s listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logrus.Info("shutdown signal received")

	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("graceful shutdown failed")
		_ = srv.Close()
	}
	logrus.Info("shutdown complete")
	return nil
}
