package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ent0n29/ora/internal/app"
	"github.com/ent0n29/ora/internal/capture"
	"github.com/ent0n29/ora/internal/tui"
)

func newChatCmd(v *viper.Viper) *cobra.Command {
	var (
		audioFile string
		exportTo  string
		logFile   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Terminal session recording from an audio file or a synthetic tone",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			// The terminal belongs to the UI; logs go to a file or nowhere.
			logrus.SetOutput(io.Discard)
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				logrus.SetOutput(f)
			}

			var dev capture.Device = capture.NewMockDevice()
			if audioFile != "" {
				dev = capture.NewFileDevice(audioFile)
			}

			ctx, stop := signalContext()
			defer stop()
			runCtx, runCancel := context.WithCancel(ctx)
			defer runCancel()

			b, err := app.Build(runCtx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = b.Cleanup() }()

			sess := b.Sessions.Create()
			coord, err := b.NewCoordinator(sess, dev)
			if err != nil {
				return err
			}
			coord.Ready()

			_, runErr := tui.Run(ctx, coord)
			coord.Close()
			runCancel()
			coord.Wait()
			if runErr != nil {
				return runErr
			}

			if exportTo != "" {
				if err := tui.ExportTranscript(exportTo, sess.Snapshot()); err != nil {
					return fmt.Errorf("export transcript: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "transcript written to %s\n", exportTo)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&audioFile, "file", "", "replay this .webm/.wav/.pcm file as the microphone (default: synthetic tone)")
	cmd.Flags().StringVar(&exportTo, "export", "", "write the transcript as YAML to this path on exit")
	cmd.Flags().StringVar(&logFile, "log-file", "", "append logs to this file")
	return cmd
}
