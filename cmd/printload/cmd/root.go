package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "printload command",
	Short: "Command line utility to load test the print-dispatch API",
	Long: `
Command line utility to load test the print-dispatch API.

A run is described by a YAML plan file giving the target endpoint, the
concurrency pattern and the response-time target. While the test runs, the
harness continuously adjusts the virtual user count to keep the observed
response time near the target, monitors host resources, and finishes with a
bottleneck analysis report.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
