package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalpipe/daemon"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to petalpipe.yaml (default: ./petalpipe.yaml, then ~/.petalpipe/config.yaml)")
	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Store executions, pipelines and events in this SQLite file")
	cmd.Flags().String("postgres-url", "", "Store executions and pipelines in PostgreSQL")
	cmd.Flags().String("otlp-endpoint", "", "Export traces to this OTLP/HTTP endpoint")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Bool("no-scheduler", false, "Do not run cron schedules")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, commandLogger(cmd))
	if err != nil {
		return exitError(exitRuntime, "starting daemon: %v", err)
	}
	defer func() {
		_ = d.Close(context.WithoutCancel(ctx))
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "petalpipe listening on %s (storage: %s)\n", cfg.Server.Addr, cfg.StorageDriver())
	if err := d.ListenAndServe(ctx); err != nil {
		return exitError(exitRuntime, "server error: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Shut down.")
	return nil
}

func loadServeConfig(cmd *cobra.Command) (daemon.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := daemon.DiscoverConfigPath(explicit)
	if err != nil {
		return daemon.Config{}, exitError(exitFileNotFound, "%v", err)
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return daemon.Config{}, exitError(exitValidation, "%v", err)
	}
	if found {
		commandLogger(cmd).Info("loaded config", "path", path)
	}
	if err := applyServeFlags(cmd, &cfg); err != nil {
		return daemon.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return daemon.Config{}, exitError(exitValidation, "%v", err)
	}
	return cfg, nil
}

// applyServeFlags overlays explicitly set flags onto the file config.
func applyServeFlags(cmd *cobra.Command, cfg *daemon.Config) error {
	flags := cmd.Flags()

	if flags.Changed("host") || flags.Changed("port") {
		host, port, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			return exitError(exitValidation, "invalid server address %q: %v", cfg.Server.Addr, err)
		}
		if flags.Changed("host") {
			host, _ = flags.GetString("host")
		}
		if flags.Changed("port") {
			p, _ := flags.GetInt("port")
			port = strconv.Itoa(p)
		}
		cfg.Server.Addr = net.JoinHostPort(host, port)
	}
	if flags.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.Server.MaxBodyBytes, _ = flags.GetInt64("max-body")
	}
	if flags.Changed("sqlite-path") {
		p, _ := flags.GetString("sqlite-path")
		cfg.Storage.Driver = daemon.StorageSQLite
		cfg.Storage.SQLitePath = p
		if cfg.Events.SQLitePath == "" {
			cfg.Events.SQLitePath = p
		}
	}
	if flags.Changed("postgres-url") {
		cfg.Storage.Driver = daemon.StoragePostgres
		cfg.Storage.Postgres.URL, _ = flags.GetString("postgres-url")
	}
	if flags.Changed("otlp-endpoint") {
		cfg.Telemetry.OTLPEndpoint, _ = flags.GetString("otlp-endpoint")
	}
	if flags.Changed("no-scheduler") {
		cfg.Scheduler.Disabled, _ = flags.GetBool("no-scheduler")
	}
	return nil
}
