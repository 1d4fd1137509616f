package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sdrcontrol/internal/db"
)

func (a *app) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	// withDB opens the database without migrating it.
	withDB := func(fn func(cmd *cobra.Command, store *db.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := db.OpenDB(a.cfg.DB.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			return fn(cmd, store, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, store *db.DB, args []string) error {
				if err := store.MigrateUp(db.MigrationsFS()); err != nil {
					return err
				}
				return printVersion(cmd, store)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, store *db.DB, args []string) error {
				if err := store.MigrateDown(db.MigrationsFS()); err != nil {
					return err
				}
				return printVersion(cmd, store)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, store *db.DB, args []string) error {
				return printVersion(cmd, store)
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations, clearing the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, store *db.DB, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := store.MigrateForce(db.MigrationsFS(), v); err != nil {
					return err
				}
				return printVersion(cmd, store)
			}),
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, store *db.DB) error {
	v, dirty, err := store.MigrateVersion(db.MigrationsFS())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d", v)
	if dirty {
		fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
