// Package cli implements the wfctl command line tool.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagServer   string
	flagLogLevel string

	logger *zap.Logger
	client *Client
)

// defaultServer returns the server URL, checking WFSEARCH_SERVER first.
func defaultServer() string {
	if s := os.Getenv("WFSEARCH_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for wfctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wfctl",
		Short: "Inspect and submit walk-forward optimization runs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zapcore.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			cfg.OutputPaths = []string{"stderr"}
			logger, err = cfg.Build()
			if err != nil {
				return err
			}
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "wfsearch server URL (or WFSEARCH_SERVER env)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newPlanCmd(),
		newValidateCmd(),
		newGridCmd(),
		newSubmitCmd(),
		newListCmd(),
		newStopCmd(),
	)

	return root
}
