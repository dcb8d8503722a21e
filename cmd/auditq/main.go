// Command auditq dispatches audit records through the asynchronous queue
// to a configured transport.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Swind/go-audit-queue/config"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "auditq",
		Short:         "Asynchronous audit record dispatcher",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath(), "config file (default: $AUDITQ_CONFIG)")

	root.AddCommand(sendCmd())
	root.AddCommand(configCmd())
	return root
}
