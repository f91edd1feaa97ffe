package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose  bool
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "marketws",
	Short: "Warframe Market WebSocket client",
	Long: `marketws connects to the warframe.market WebSocket API in either its legacy
or current dialect, prints pushed events and sends requests.

Connections, subscriptions and scheduled requests can be described in an HCL
config file.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// setupLogger builds the process logger from the global flags. The returned
// level can be changed later, e.g. from a config file.
func setupLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level := resolveLevel(logLevel, debug, verbose)

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Development = debug

	logger, err := config.Build()
	return logger, config.Level, err
}

func resolveLevel(name string, debugFlag, verboseFlag bool) zapcore.Level {
	if debugFlag {
		return zap.DebugLevel
	}

	switch strings.ToLower(name) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		if verboseFlag {
			return zap.DebugLevel
		}
		return zap.InfoLevel
	}
}

// levelFromFlags reports whether the log level was chosen on the command line
// rather than left at its default.
func levelFromFlags(cmd *cobra.Command) bool {
	return debug || verbose || cmd.Flags().Changed("log-level")
}

// parsePayload treats s as JSON when it parses and as a plain string
// otherwise. An empty string means no payload.
func parsePayload(s string) any {
	if s == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return json.RawMessage(s)
	}
	return s
}
