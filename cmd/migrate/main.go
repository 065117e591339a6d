// Command migrate applies and inspects schema migrations against the
// primary Postgres database.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/meridianhq/configurator/internal/appconfig"
	"github.com/meridianhq/configurator/internal/migrations"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply and inspect configurator's Postgres schema migrations",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML (optional, env vars also apply)")

	withManager := func(run func(*migrations.Manager, context.Context) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			mgr, err := migrations.New(migrations.Config{DSN: cfg.Database.DSN()}, nil)
			if err != nil {
				return err
			}
			defer mgr.Close()
			return run(mgr, cmd.Context())
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: withManager(func(m *migrations.Manager, ctx context.Context) error {
			return m.Up(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migration",
		RunE: withManager(func(m *migrations.Manager, ctx context.Context) error {
			return m.Down(ctx)
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print migration status and the current schema version",
		RunE: withManager(func(m *migrations.Manager, ctx context.Context) error {
			version, err := m.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("current schema version: %d\n", version)
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "up-to <version>",
		Short: "Apply migrations up to and including <version>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return withManager(func(m *migrations.Manager, ctx context.Context) error {
				return m.UpTo(ctx, version)
			})(cmd, args)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a new empty migration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := migrations.CreateFile("migrations", args[0])
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", path)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
