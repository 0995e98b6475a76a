package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	internal "github.com/ZanzyTHEbar/convo-relay/relay"
	"github.com/ZanzyTHEbar/convo-relay/relay/config"
)

var (
	// Global flags
	configPath string

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "WhatsApp to OpenAI conversational relay",
	Long: `relay receives WhatsApp messages, keeps a per-contact transcript and,
after a short delay, answers with a token-budgeted chat completion.

A newer message from the same contact supersedes a pending reply.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		if used := config.FileUsed(); used != "" {
			logger.Debug().Str("file", used).Msg("config loaded")
		}
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("config file (default ./config.yaml or %s/config.yaml)", internal.DefaultConfigPath))

	rootCmd.AddCommand(serveCmd, migrateCmd, promptCmd, runCmd)
}

// newLogger builds the root logger from the log section.
func newLogger(lc config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log.level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch lc.Format {
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "", "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log.format %q", lc.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("app", internal.DefaultAppName).Logger(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
