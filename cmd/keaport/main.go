package main

import (
	"fmt"
	"os"

	"github.com/jbweber/homelab/keaport/internal/config"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

// cfg is loaded before every command runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keaport",
	Short: "keaport - import Kea DHCPv6 configurations and leases",
	Long: `keaport imports subnets from an existing Kea DHCPv6 configuration into
a switch/BVI/subnet topology, pushes them to the Kea control agent and the
RADIUS databases, and reconciles Kea lease dumps against that topology.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("keaport version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "config file (default ./keaport.yaml or ~/.keaport/keaport.yaml)")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("server", "", "DHCP server name used to label backups")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(leasesCmd)
	rootCmd.AddCommand(backupCmd)
}

// flagKeys maps command line flags to configuration keys. Flags a command
// does not define are ignored.
var flagKeys = map[string]string{
	"db":        config.KeyDBPath,
	"server":    config.KeyServerName,
	"log-level": config.KeyLogLevel,
	"log-json":  config.KeyLogJSON,
	"port":      config.KeyPort,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := config.NewViper(configFile)
	if err != nil {
		return err
	}
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	c, err := config.Load(v)
	if err != nil {
		return err
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(c.LogLevel),
		JSONOutput: c.LogJSON,
	})
	cfg = c
	return nil
}
