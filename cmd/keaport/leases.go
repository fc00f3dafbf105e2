package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/jbweber/homelab/keaport/internal/leases"
	"github.com/spf13/cobra"
)

var leasesCmd = &cobra.Command{
	Use:   "leases",
	Short: "Manage DHCPv6 leases",
}

var leasesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a Kea lease dump (CSV or JSON) into the running server",
	Example: `  keaport leases import -f kea-leases6.csv
  keaport leases import -f leases.json --auto-map -o yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		autoMap, _ := cmd.Flags().GetBool("auto-map")

		a, err := openApp(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		rc := a.reconciler()
		if rc == nil {
			return errors.New("kea.url is not configured")
		}

		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to open lease file: %w", err)
		}
		defer f.Close()

		res, err := rc.Import(cmd.Context(), f, filepath.Base(file), leases.Options{AutoMap: autoMap})
		if err != nil {
			return err
		}
		return printResult(cmd, res, func(w io.Writer) error {
			return printLeaseResult(w, res)
		})
	},
}

func init() {
	leasesImportCmd.Flags().StringP("file", "f", "", "lease file")
	leasesImportCmd.Flags().Bool("auto-map", false, "remap unknown subnet ids by pool containment")
	_ = leasesImportCmd.MarkFlagRequired("file")
	addOutputFlag(leasesImportCmd)

	leasesCmd.AddCommand(leasesImportCmd)
}

func printLeaseResult(w io.Writer, res *leases.Result) error {
	fmt.Fprintf(w, "total %d, imported %d, skipped %d, unmapped %d, rejected %d\n",
		res.Total, res.Imported, res.Skipped, res.Unmapped, res.Rejected)

	reasons := make([]string, 0, len(res.SkipReasons))
	for r := range res.SkipReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  skipped %s: %d\n", r, res.SkipReasons[r])
	}

	sources := make([]int64, 0, len(res.SubnetMapping))
	for id := range res.SubnetMapping {
		sources = append(sources, id)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	for _, id := range sources {
		fmt.Fprintf(w, "  subnet %d -> %d\n", id, res.SubnetMapping[id])
	}

	if len(res.Errors) == 0 {
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "LINE\tADDRESS\tREASON\tMESSAGE")
	for _, e := range res.Errors {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Line, e.Address, e.Reason, e.Message)
	}
	return tw.Flush()
}
