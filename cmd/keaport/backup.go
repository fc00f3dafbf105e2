package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jbweber/homelab/keaport/internal/backup"
	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage topology backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		server := cfg.ServerName
		if all {
			server = ""
		}
		list, err := a.backups.List(cmd.Context(), server)
		if err != nil {
			return err
		}
		if list == nil {
			list = []domain.Backup{}
		}
		return printResult(cmd, list, func(w io.Writer) error {
			return printBackups(w, list)
		})
	},
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a manual backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.backups.Snapshot(cmd.Context(), cfg.ServerName, backup.OperationManual, currentUser())
		if err != nil {
			return err
		}
		b.Payload = nil
		return printResult(cmd, b, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "created backup %d\n", b.ID)
			return err
		})
	},
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		retain, _ := cmd.Flags().GetInt("retain")
		if retain == 0 {
			retain = cfg.BackupRetain
		}
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.backups.Prune(cmd.Context(), cfg.ServerName, retain)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d backups, kept at most %d\n", removed, retain)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Replace the topology with a backup",
	Long: `Replace the persisted topology with the content of a backup. The current
topology is saved as a pre_restore backup first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid backup id %q", args[0])
		}
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		undo, err := a.backups.RestoreWithUndo(cmd.Context(), id, cfg.ServerName, currentUser())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored backup %d (undo with backup %d)\n", id, undo.ID)
		return nil
	},
}

func init() {
	backupListCmd.Flags().Bool("all", false, "list backups of every server")
	addOutputFlag(backupListCmd)
	addOutputFlag(backupCreateCmd)
	backupPruneCmd.Flags().Int("retain", 0, "backups to keep (default backup_retain)")

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupPruneCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func printBackups(w io.Writer, list []domain.Backup) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSERVER\tOPERATION\tCREATED BY\tCREATED AT")
	for _, b := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.Server, b.Operation, b.CreatedBy, b.CreatedAt.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}
