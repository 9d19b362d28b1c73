package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/runtime"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the worker pool",
	Long: `Starts the worker pool for the configured queues and processes
pipeline tasks until interrupted. Shutdown is graceful: in-flight tasks
run to completion before the process exits.`,
	RunE: runWorker,
}

func init() {
	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	pool := runtime.NewPool(a.queue, a.coord, a.mc, a.cfg.Worker)
	pool.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	common.Logger.Infof("received %s, shutting down", sig)

	pool.Stop()
	return nil
}
