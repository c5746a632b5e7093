package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/weavesync/internal/client"
	"github.com/TheMichaelB/weavesync/internal/config"
	"github.com/TheMichaelB/weavesync/internal/events"
)

var (
	configFile string
	jsonOutput bool
	logLevel   string
	noColor    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "weavesync",
	Short: "Mirror encrypted browser sync collections into a local ledger",
	Long: `weavesync fetches history, bookmarks and tabs from a sync storage
service, decrypts them with the account passphrase and keeps them in a
local sqlite ledger.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			if err := apiClient.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close client")
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Config file (default: ./weavesync.json or ~/.config/weavesync/config.json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")
}

// setup loads configuration and builds the logger and client. Commands
// annotated with skipClient only get the configuration.
func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configFile)
	loaded, err := loader.Load()
	if err != nil {
		return err
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if noColor {
		cfg.Log.Color = false
	}
	setColor(cfg.Log.Color && !jsonOutput)

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	events.SetDefault(logger)

	if path := loader.ConfigPath(); path != "" {
		logger.WithField("path", path).Debug("Loaded config file")
	}

	if _, skip := cmd.Annotations[skipClient]; skip {
		return nil
	}

	apiClient, err = client.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

const skipClient = "skip-client"

// signalContext is cancelled on SIGINT or SIGTERM. onFirst, if set, runs
// on the first signal instead and only a second signal cancels.
func signalContext(parent context.Context, onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		if onFirst != nil {
			onFirst()
			select {
			case <-sigChan:
			case <-ctx.Done():
				return
			}
		}
		cancel()
	}()

	return ctx, cancel
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if jsonOutput {
			printJSON(errorResult(err))
		} else {
			printError("%v", err)
		}
		os.Exit(1)
	}
}
