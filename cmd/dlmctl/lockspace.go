package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var lockspaceJoinCmd = &cobra.Command{
	Use:   "join NAME",
	Short: "Join this node to a lockspace (spec §4.7 join)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		peers, _ := cmd.Flags().GetStringSlice("peer")

		c := newAPIClient(apiAddr)
		body, err := c.postJSON("/lockspaces", map[string]any{
			"name":  name,
			"peers": peers,
		})
		if err != nil {
			return fmt.Errorf("failed to join lockspace: %w", err)
		}

		var resp struct {
			Name    string `json:"name"`
			LocalID uint32 `json:"local_id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		fmt.Printf("joined lockspace %q\n", resp.Name)
		fmt.Printf("  local id: %d\n", resp.LocalID)
		return nil
	},
}

var lockspaceLeaveCmd = &cobra.Command{
	Use:   "leave NAME",
	Short: "Leave a lockspace (fails if any LKB is outstanding, spec §4.7)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		c := newAPIClient(apiAddr)
		if err := c.delete("/lockspaces/" + name); err != nil {
			return fmt.Errorf("failed to leave lockspace: %w", err)
		}

		fmt.Printf("left lockspace %q\n", name)
		return nil
	},
}
