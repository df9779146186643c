package main

import (
	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vl1node",
	Short: "vl1node - peer-to-peer virtual layer 1 node",
	Long: `vl1node runs a node of the virtual layer 1 network: nodes are addressed by
40-bit addresses derived from their identities, exchange authenticated and
encrypted packets over UDP or QUIC, and resolve unknown peers through roots.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "vl1node.yml", "config file path")

	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
}
