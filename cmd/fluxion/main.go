package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "fluxion",
		Short:        "Durable workflow execution engine",
		Long:         "fluxion drives event-gated state machines: it persists submitted machines,\nschedules states as their dependency events arrive, dispatches work to remote\nexecutor fleets and redrives anything that stalls.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default $HOME/.fluxion/fluxion.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newGraphCmd())
	root.AddCommand(newUnsidelineCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fluxion version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fluxion", version)
		},
	}
}
