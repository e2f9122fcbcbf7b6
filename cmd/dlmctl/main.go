// Command dlmctl is the administrative CLI for dlmd: it talks to a
// running node's pkg/api endpoint over plain HTTP to join/leave
// lockspaces and to inspect a node's status and debug log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dlmctl",
	Short:   "dlmctl - administrative client for a dlmd node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dlmctl version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("api-addr", "127.0.0.1:7275", "dlmd's pkg/api address")

	rootCmd.AddCommand(lockspaceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(debugCmd)

	lockspaceCmd.AddCommand(lockspaceJoinCmd)
	lockspaceCmd.AddCommand(lockspaceLeaveCmd)
	lockspaceJoinCmd.Flags().StringSlice("peer", nil, "peer address to poll for liveness; may repeat")
}

var lockspaceCmd = &cobra.Command{
	Use:   "lockspace",
	Short: "Join or leave a lockspace on the target node",
}
