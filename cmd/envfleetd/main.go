package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/envfleet/envfleet/internal/buildinfo"
	"github.com/envfleet/envfleet/internal/config"
	"github.com/envfleet/envfleet/internal/db"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "envfleetd:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "envfleetd",
		Short:         "envfleetd - development environment lifecycle daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the continuation worker, state sweeper and metrics endpoint",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				store, err := db.Open(cfg.DBPath)
				if err != nil {
					return err
				}
				defer store.Close()
				fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.DBPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
			},
		},
	)
	return cmd
}

// loadConfig reads path. Without an explicit path a missing default
// config file falls back to the built-in defaults.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == "" && errors.Is(err, fs.ErrNotExist) {
		cfg = config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return cfg, err
}
