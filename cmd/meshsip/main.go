// Command meshsip runs the mesh SIP proxy and topology crawler, and inspects
// their output.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:   "meshsip",
		Short: "SIP proxy and topology crawler for amateur radio mesh networks",
		Long: `meshsip relays SIP calls between phones on an AREDN-style mesh,
keeps a registry of known phones and maps the mesh topology.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newTopologyCmd(),
		newUsersCmd(),
		newVersionCmd(),
	)
	return root
}
