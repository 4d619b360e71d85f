package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-nikobus/migrations"
)

// newDBCmd groups schema maintenance for the frame log database.
func newDBCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect or roll back the frame log schema",
		Long: `The serve command applies pending migrations on start. Use these
commands to check what is applied or to revert the latest migration
before downgrading the bridge.`,
	}
	cmd.AddCommand(newDBStatusCmd(configPath), newDBRollbackCmd(configPath))
	return cmd
}

func newDBStatusCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := openStoreFor(cmd, configPath())
			if err != nil {
				return err
			}
			defer closeDB()

			applied, pending, err := db.MigrationStatus(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
			for _, r := range applied {
				fmt.Fprintf(w, "%s\t\tapplied %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
			}
			for _, m := range pending {
				fmt.Fprintf(w, "%s\t%s\tpending\n", m.Version, m.Name)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			size, err := db.Size()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %d bytes\n", db.Path(), size)
			return nil
		},
	}
}

func newDBRollbackCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Revert the most recently applied migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := openStoreFor(cmd, configPath())
			if err != nil {
				return err
			}
			defer closeDB()

			m, err := db.Rollback(cmd.Context(), migrations.FS)
			if err != nil {
				return err
			}
			if m == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s %s\n", m.Version, m.Name)
			return nil
		},
	}
}

// openStoreFor loads the config and opens the database without migrating.
func openStoreFor(cmd *cobra.Command, configPath string) (*database.DB, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "closing database: %v\n", err)
		}
	}, nil
}
