// agentmail is a coordination server for coding agents sharing a repository:
// named identities, Markdown mail, advisory file reservations and a
// git-backed archive, exposed over JSON-RPC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the current version of agentmail (overridden by ldflags at
// build time).
var Version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:   "agentmail",
	Short: "Mailbox and file-reservation coordinator for coding agents",
	Long: `agentmail runs a small coordination server for autonomous coding agents
working on the same repositories: memorable agent identities, Markdown
messaging with threads and acknowledgements, advisory path reservations,
and a per-project git archive backing it all.

Start the server with 'agentmail serve'; everything else talks to the
per-project archive directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentmail version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
