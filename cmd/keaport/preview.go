package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jbweber/homelab/keaport/internal/keaconfig"
	"github.com/jbweber/homelab/keaport/internal/topology"
	"github.com/spf13/cobra"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Classify the subnets of a Kea configuration against the topology",
	Example: `  keaport preview -f kea-dhcp6.conf
  keaport preview -f kea-dhcp6.conf -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		parsed, err := keaconfig.Parse(raw)
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.snapshot(cmd.Context())
		if err != nil {
			return err
		}
		result := topology.MatchSubnets(parsed.Subnets, snap)

		return printResult(cmd, result, func(w io.Writer) error {
			return printMatch(w, result)
		})
	},
}

func init() {
	previewCmd.Flags().StringP("file", "f", "", "Kea DHCPv6 configuration file")
	_ = previewCmd.MarkFlagRequired("file")
	addOutputFlag(previewCmd)
}

func printMatch(w io.Writer, result topology.Result) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "SUBNET\tPOOL\tRELAY\tCIN\tCCAP\tEXISTS\tWARNING")
	for _, m := range result.Subnets {
		p := m.Parsed
		warning := string(m.Warning)
		if m.WarningDetail != "" {
			warning += ": " + m.WarningDetail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Subnet, p.Pool(), p.RelayAddress, p.SuggestedCinName, p.SuggestedCcapName,
			strconv.FormatBool(p.Exists), warning)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(result.AvailableBvis) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Available BVI interfaces:")
	for _, b := range result.AvailableBvis {
		fmt.Fprintf(w, "  %d\t%s\n", b.ID, b.Label)
	}
	return nil
}
