package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ActiveStack/gateway/cluster"
	"github.com/ActiveStack/gateway/ipc"
)

var workerID int

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (started by the supervisor)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerID, "worker-id", 0, "Worker id assigned by the supervisor")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, levelVar := newLogger(cfg)
	logger = logger.With("role", "worker", "worker_id", workerID)

	in := os.NewFile(uintptr(cluster.WorkerReadFD), "supervisor-in")
	out := os.NewFile(uintptr(cluster.WorkerWriteFD), "supervisor-out")
	if in == nil || out == nil {
		return errors.New("worker must be started by the supervisor")
	}
	ch := ipc.NewChannel(in, out)
	defer ch.Close()

	// Reloads are the supervisor's business
	signal.Ignore(syscall.SIGHUP)
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runGateway(ctx, cfg, logger, levelVar, ch, workerID)
}
