package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Worker process commands",
	Hidden: true,
}

var spawnClientCmd = &cobra.Command{
	Use:   "spawnclient IN_FD OUT_FD",
	Short: "Run one job received over the inherited descriptors",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inFD, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid input descriptor %q", args[0])
		}
		outFD, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid output descriptor %q", args[1])
		}

		// Stdout carries step output, so logs go to stderr.
		level, _ := cmd.Flags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: true, Output: os.Stderr})

		in, out, err := worker.Inherited(inFD, outFD)
		if err != nil {
			exitCode = types.ExitCodeFor(types.ResultFailed)
			return err
		}

		// The agent decides when the job stops; a terminal interrupt
		// reaching the process group is ignored.
		signal.Ignore(os.Interrupt)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		exitCode = worker.NewClient(in, out).Run(ctx)
		return nil
	},
}

func init() {
	workerCmd.AddCommand(spawnClientCmd)
}
