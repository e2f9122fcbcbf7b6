package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print every lockspace joined on the target node",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		c := newAPIClient(apiAddr)
		body, err := c.get("/status")
		if err != nil {
			return fmt.Errorf("failed to fetch status: %w", err)
		}

		var resp struct {
			Lockspaces []struct {
				Name             string `json:"name"`
				LocalID          uint32 `json:"local_id"`
				State            string `json:"state"`
				Resources        int    `json:"resources"`
				OutstandingLocks int    `json:"outstanding_locks"`
				RecoveryEpoch    uint64 `json:"recovery_epoch"`
			} `json:"lockspaces"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		if len(resp.Lockspaces) == 0 {
			fmt.Println("no lockspaces joined")
			return nil
		}

		fmt.Printf("%-20s %-10s %-12s %-10s %-10s %s\n", "NAME", "LOCAL_ID", "STATE", "RESOURCES", "LOCKS", "EPOCH")
		for _, ls := range resp.Lockspaces {
			fmt.Printf("%-20s %-10d %-12s %-10d %-10d %d\n",
				ls.Name, ls.LocalID, ls.State, ls.Resources, ls.OutstandingLocks, ls.RecoveryEpoch)
		}
		return nil
	},
}
