package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the search history schema",
	}

	// open skips migration so the subcommands control the schema.
	open := func() (*db.DB, error) {
		database, err := db.OpenDB(a.cfg.GetDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return database, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				database, err := open()
				if err != nil {
					return err
				}
				defer database.Close()
				if err := database.MigrateUp(); err != nil {
					return err
				}
				return printVersion(cmd, database)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				database, err := open()
				if err != nil {
					return err
				}
				defer database.Close()
				if err := database.MigrateDown(); err != nil {
					return err
				}
				return printVersion(cmd, database)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				database, err := open()
				if err != nil {
					return err
				}
				defer database.Close()
				return printVersion(cmd, database)
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without migrating, to recover from a dirty state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				database, err := open()
				if err != nil {
					return err
				}
				defer database.Close()
				if err := database.MigrateForce(v); err != nil {
					return err
				}
				return printVersion(cmd, database)
			},
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, database *db.DB) error {
	v, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, state)
	return nil
}
