package main

import (
	"fmt"

	"github.com/jbweber/homelab/keaport/internal/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Long: `migrate applies pending schema migrations. With --down it reverts the
most recent migration after bringing the schema up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// InitializeDatabase applies pending migrations.
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		m := migrations.NewDefaultMigrator(a.db)
		if down, _ := cmd.Flags().GetBool("down"); down {
			if err := m.Rollback(); err != nil {
				return err
			}
		}
		version, err := m.GetCurrentVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "database %s at schema version %d of %d\n",
			cfg.DBPath, version, len(m.GetMigrations()))
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("down", false, "revert the most recent migration")
}
