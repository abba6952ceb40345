package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nganga-moses/overwatch-cloud/internal/persistence/postgres"
)

// MigrationStatus is the schema version reported by migrate commands.
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the sync schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(rootOpts, cmd, func(m *postgres.Migrator) error { return m.Up() })
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return NewExitError(ExitCommandError, "--steps must be positive")
			}
			return runMigration(rootOpts, cmd, func(m *postgres.Migrator) error { return m.Down(steps) })
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(rootOpts, cmd, func(*postgres.Migrator) error { return nil })
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func runMigration(opts *RootOptions, cmd *cobra.Command, step func(*postgres.Migrator) error) error {
	m, err := postgres.NewMigrator(opts.DatabaseURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "open migrator", err)
	}
	defer m.Close()

	if err := step(m); err != nil {
		return WrapExitError(ExitCommandError, "migrate", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return WrapExitError(ExitCommandError, "read schema version", err)
	}

	status := MigrationStatus{Version: version, Dirty: dirty}
	return opts.formatter(cmd).Success(status, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, renderMigrationStatus(status))
		return err
	})
}

func renderMigrationStatus(s MigrationStatus) string {
	if s.Dirty {
		return fmt.Sprintf("schema version %d (dirty)", s.Version)
	}
	return fmt.Sprintf("schema version %d", s.Version)
}
