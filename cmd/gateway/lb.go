package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var lbCmd = &cobra.Command{
	Use:   "lb",
	Short: "Inspect load balancer pools",
}

var lbStatusCmd = &cobra.Command{
	Use:   "status <pool>",
	Short: "Show a pool's instances and their health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(adminAddr + "/admin/loadbalancer/" + args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var instances []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&instances); err != nil {
			return err
		}
		for _, inst := range instances {
			fmt.Printf("%-36s %s:%v weight=%v effective=%v active=%v available=%v\n",
				inst["id"], inst["host"], inst["port"], inst["weight"], inst["effectiveWeight"], inst["activeConnections"], inst["available"])
		}
		return nil
	},
}

func init() {
	lbCmd.AddCommand(lbStatusCmd)
}
