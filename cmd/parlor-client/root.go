package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagRoom     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "parlor-client",
	Short:         "Headless client for a parlor signaling relay",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8443", "relay base URL")
	rootCmd.PersistentFlags().StringVar(&flagRoom, "room", "123123", "room id to join")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "debug, info, warn or error")
}

func parseLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}
