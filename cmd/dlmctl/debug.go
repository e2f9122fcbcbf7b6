package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Print the target node's recent lock lifecycle debug log",
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("api-addr")

		c := newAPIClient(apiAddr)
		body, err := c.get("/debug/dump")
		if err != nil {
			return fmt.Errorf("failed to fetch debug log: %w", err)
		}

		_, err = os.Stdout.Write(body)
		return err
	},
}
