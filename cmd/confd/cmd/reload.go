package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var reloadAddr string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Trigger an out-of-band reload on a running confd instance",
	RunE:  runReload,
}

func init() {
	reloadCmd.Flags().StringVar(&reloadAddr, "addr", "http://localhost:9090", "base URL of the target confd instance's httpops surface")
}

func runReload(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(reloadAddr+"/debug/reload", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Changed bool   `json:"changed"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("reload: decoding response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if body.Error != "" {
			return fmt.Errorf("reload: %s", body.Error)
		}
		return fmt.Errorf("reload: unexpected status %s", resp.Status)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "changed: %t\n", body.Changed)
	return nil
}
