// Package cli is the timebank command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/timebank-app/timebank/internal/daemon"
	"github.com/timebank-app/timebank/internal/logger"
)

// cfg is loaded once per invocation by the root PersistentPreRunE.
var cfg *daemon.Config

var rootCmd = &cobra.Command{
	Use:   "timebank",
	Short: "Screen-time bank: earn minutes, spend them on unlocked sessions",
	Long: `timebank keeps a per-child ledger of screen time. Completed tasks and
parent grants earn time, unlocked sessions spend it, and devices that were
offline reconcile their queued transactions when they reconnect.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := daemon.Load(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		logger.Setup(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (.toml or .yaml); default $TIMEBANK_HOME/config.toml")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text or json")
	pf.String("driver", "", "Storage driver: sqlite or postgres")
	pf.String("data-dir", "", "SQLite data directory")
	pf.String("postgres-dsn", "", "Postgres connection string")
	pf.StringP("output", "o", "text", "Output format: text, json or yaml")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openServices opens the configured store and wires the services.
func openServices(ctx context.Context) (*daemon.Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return daemon.Open(ctx, cfg)
}
