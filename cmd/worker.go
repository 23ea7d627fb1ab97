package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/synthesis-cli/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal worker that executes queued analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initAnalysis(cmd.Context(), "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Batch.MaxConcurrentRuns,
		})
		workflow.Register(w, workflow.NewActivities(env.Orchestrator))

		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("namespace", cfg.Temporal.Namespace),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
