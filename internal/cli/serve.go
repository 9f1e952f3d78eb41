package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timebank-app/timebank/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the timebank API and maintenance scheduler",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long:  "Writes the default configuration to --config, or $TIMEBANK_HOME/config.toml. An existing file is never overwritten.",
	RunE:  runInit,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

func init() {
	serveCmd.Flags().String("host", "", "Bind address")
	serveCmd.Flags().Int("port", 0, "Listen port")
	rootCmd.AddCommand(serveCmd, initCmd, migrateCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	d, err := daemon.New(cfg, svc)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = filepath.Join(daemon.Home(), "config.toml")
	}
	if err := daemon.SaveDefault(path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists", path)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Add admin tokens with: timebank admin hash-token")
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runMigrate relies on both stores migrating when opened.
func runMigrate(cmd *cobra.Command, args []string) error {
	store, err := daemon.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", cfg.Storage.Driver)
	return nil
}
