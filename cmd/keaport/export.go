package main

import (
	"fmt"
	"os"

	"github.com/jbweber/homelab/keaport/internal/keaconfig"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the persisted subnets as a Kea DHCPv6 configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.snapshot(cmd.Context())
		if err != nil {
			return err
		}
		body, err := keaconfig.Export(snap.Subnets, snap.SwitchNames())
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			_, err = cmd.OutOrStdout().Write(body)
			return err
		}
		if err := os.WriteFile(out, body, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d subnets to %s\n", len(snap.Subnets), out)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "write to this file instead of stdout")
}
