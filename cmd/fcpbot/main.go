// Command fcpbot runs the final-comment-period governance bot.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fcpbot/fcpbot/internal/config"
	"github.com/fcpbot/fcpbot/internal/fault"
)

var (
	configPath  string
	jsonOutput  bool
	verboseFlag bool

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./fcpbot.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, syncCmd, rosterCmd, statusCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:           "fcpbot",
	Short:         "fcpbot - final comment period governance bot",
	Long:          `Tracks team sign-offs and concerns on GitHub issues and drives proposals through a final comment period.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if logger, err = newLogger(os.Stderr, cfg.Log, verboseFlag); err != nil {
			return err
		}
		if cfg.File != "" {
			logger.Debug("config loaded", "file", cfg.File)
		}
		return nil
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates operator mistakes from runtime failures
func exitCode(err error) int {
	if fault.IsKind(err, fault.KindConfig) {
		return 2
	}
	return 1
}
