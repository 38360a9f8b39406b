package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "confd",
	Short: "Run and inspect the confd configuration substrate",
	Long: `confd loads preference segments from disk, reloads them
through a worker pool, and publishes
refcounted ConfSet snapshots that readers acquire without blocking.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to confd's YAML configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reloadCmd)
}
