package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and administer per-upstream circuit breakers",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset <upstream>",
	Short: "Force a circuit breaker back to CLOSED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Post(adminAddr+"/admin/breakers/"+args[0]+"/reset", "application/json", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", out["upstream"], out["status"])
		return nil
	},
}

func init() {
	breakerCmd.AddCommand(breakerResetCmd)
}
