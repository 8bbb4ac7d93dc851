package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ActiveStack/gateway/control"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Send operator commands to running gateways over the control channel",
	Long: `console reads commands from stdin and publishes them on the Redis
control channel every supervisor subscribes to:

  restart [ms]                       restart workers, waiting for clients to leave
  shutdown <code> [ms]               stop workers and exit the supervisor
  loglevel [level]                   change the worker log level
  clientmessageresendinterval [ms]   change the push resend interval
  clientcount                        log the connected client count per worker`,
	RunE: runConsole,
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctrlCfg, err := cfg.ControlConfig()
	if err != nil {
		return err
	}
	rdb := control.NewClient(ctrlCfg)
	defer rdb.Close()

	if err := rdb.Ping(cmd.Context()).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", ctrlCfg.Addr, err)
	}

	console := &control.Console{
		Sink: control.NewPublisher(rdb, ctrlCfg),
		In:   os.Stdin,
		Out:  cmd.OutOrStdout(),
	}
	return console.Run(cmd.Context())
}
