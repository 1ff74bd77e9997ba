package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/loancast/fundingpolicy/internal/config"
	"github.com/loancast/fundingpolicy/internal/logger"
)

// migrator is the subset of *migrate.Migrate the commands use
type migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
	Force(version int) error
	Close() (error, error)
}

type openFunc func(sourceURL, databaseURL string) (migrator, error)

func openMigrate(sourceURL, databaseURL string) (migrator, error) {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func newRootCmd(open openFunc) *cobra.Command {
	var databaseURL, migrationsPath string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply the lending schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL or the config file)")
	root.PersistentFlags().StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")

	// withMigrate opens a migrator for the duration of fn
	withMigrate := func(fn func(m migrator) error) error {
		url := databaseURL
		if url == "" {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			url = cfg.DatabaseURL
		}
		if url == "" {
			return errors.New("database URL is required: use --database or DATABASE_URL")
		}

		logger.Info("Connecting to database", "migrations", migrationsPath)
		m, err := open("file://"+migrationsPath, url)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
		defer m.Close()
		return fn(m)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrate(func(m migrator) error {
					err := m.Up()
					switch {
					case errors.Is(err, migrate.ErrNoChange):
						logger.Info("No migrations to run, database is up to date")
					case err != nil:
						return fmt.Errorf("failed to run migrations: %w", err)
					default:
						logger.Info("Migrations applied")
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrate(func(m migrator) error {
					if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("failed to roll back migrations: %w", err)
					}
					logger.Info("Rollback complete")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrate(func(m migrator) error {
					version, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					if err != nil {
						return fmt.Errorf("failed to get version: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %v)\n", version, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version number %q: %w", args[0], err)
				}
				return withMigrate(func(m migrator) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("failed to force version: %w", err)
					}
					logger.Info("Forced schema version", "version", version)
					return nil
				})
			},
		},
	)
	return root
}

func main() {
	if err := newRootCmd(openMigrate).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
