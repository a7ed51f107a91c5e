package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Community message wall with themed cluster rotation",
	Long:  "Murmur collects short text submissions and serves them back as themed clusters that rotate through the full message history. Single Go binary backed by SQLite.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
