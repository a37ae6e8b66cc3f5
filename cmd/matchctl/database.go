package main

import (
	"fmt"

	"github.com/spf13/cobra"

	dbfs "github.com/garnizeh/volunteer-match/db"
	"github.com/garnizeh/volunteer-match/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := db.New(cmd.Context(), cfg.DatabasePath, newLogger(cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer d.Close()
		if err := db.Migrate(cmd.Context(), d, dbfs.Migrations); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database migrated.")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [target]",
	Short: "Write a consistent snapshot of the database (default <database_path>.bak)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dst := cfg.DatabasePath + ".bak"
		if len(args) == 1 {
			dst = args[0]
		}
		d, err := db.New(cmd.Context(), cfg.DatabasePath, newLogger(cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer d.Close()
		if err := db.Backup(cmd.Context(), d, dst); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database backup written to %s.\n", dst)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [snapshot]",
	Short: "Replace the database with a snapshot (default <database_path>.bak). Stop the server first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		src := cfg.DatabasePath + ".bak"
		if len(args) == 1 {
			src = args[0]
		}
		if err := db.Restore(src, cfg.DatabasePath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database restored from %s.\n", src)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, backupCmd, restoreCmd)
}
