package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect active sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := http.Get(adminAddr + "/admin/sessions")
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var sessions []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("%-36s status=%s transport=%s expiresAt=%s\n", s["id"], s["status"], s["transportType"], s["expiresAt"])
		}
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
}
