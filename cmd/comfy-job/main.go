package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the main Cobra command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "comfy-job",
	Short: "Run ComfyUI jobs and manage undelivered result webhooks",
	Long: `comfy-job runs the same job pipeline as the worker Lambda against a
ComfyUI server, using the worker's environment configuration (a .env file in
the current directory is loaded first).

Examples:
  comfy-job run --file event.json
  comfy-job run --file workflow-input.json --id local-1
  comfy-job deadletters list job-123
  comfy-job deadletters replay job-123`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
