package cmd

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatchworks/printload/internal/harness"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("results-dir", "results", "Directory the JSON report is written to")
	_ = viper.BindPFlag("results-dir", runCmd.Flags().Lookup("results-dir"))
	runCmd.Flags().Int("duration", 0, "Override the plan's test duration, in seconds")
	_ = viper.BindPFlag("duration", runCmd.Flags().Lookup("duration"))
}

var runCmd = &cobra.Command{
	Use:   "run ./path/to/plan.yaml",
	Short: "Run a load test against the print-dispatch API",
	Long: `Run a load test from a plan file.

	Example plan.yaml:

	name: dispatch-smoke
	target:
	  url: http://localhost:8080/api/v1/dispatch
	  method: POST
	  body: '{"printerId": "office-3", "documentId": "doc-42"}'
	  timeoutSeconds: 30
	load:
	  initialUsers: 20
	  maxUsers: 200
	  stepSize: 5
	  targetResponseTimeMs: 2000
	  adjustmentIntervalSeconds: 10
	  durationSeconds: 300
	alerts:
	  cpuPercent: 80
	  memoryPercent: 85
	  errorRatePercent: 5
	  responseTimeMs: 2000

`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan, err := harness.LoadPlan(args[0])
		if err != nil {
			log.Error(err)
			os.Exit(1)
		}
		if override := viper.GetInt("duration"); override > 0 {
			plan.Load.DurationSeconds = override
		}

		h, err := harness.New(plan)
		if err != nil {
			log.Error(err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := h.Run(ctx)
		if err != nil {
			log.Error(err)
			os.Exit(1)
		}
		rep.Print(os.Stdout)

		path, err := rep.WriteFile(viper.GetString("results-dir"))
		if err != nil {
			log.Error(err)
			os.Exit(1)
		}
		log.Infof("report written to %s", path)
	},
}
