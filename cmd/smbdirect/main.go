package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/smbdirect/cmd/smbdirect/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	flags := &commands.GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "smbdirect",
		Short: "SMB-Direct RDMA transport tool",
		Long: `smbdirect exercises the SMB-Direct (SMB3 over RDMA) transport.

Probe a server, inspect negotiation messages, list RDMA devices or run a
TCP fallback responder:
  smbdirect probe fileserver.example.com
  smbdirect probe --simulated 10.0.0.2
  smbdirect negotiate --response
  smbdirect devices
  smbdirect serve --listen :5445 --metrics-addr :9090

Configuration is read from smbdirect.yaml and SMBDIRECT_* environment
variables, for example SMBDIRECT_RDMA_PROVIDER=roce.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			commands.SetupLogging(flags.LogLevel, flags.Debug)
		},
	}

	flags.Register(rootCmd)

	rootCmd.AddCommand(commands.NewProbeCmd(flags))
	rootCmd.AddCommand(commands.NewNegotiateCmd(flags))
	rootCmd.AddCommand(commands.NewDevicesCmd(flags))
	rootCmd.AddCommand(commands.NewConfigCmd(flags))
	rootCmd.AddCommand(commands.NewServeCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
