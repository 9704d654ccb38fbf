package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/csop/internal/config"
	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/worker"
)

// workerCmd is started by the process spawner. stdout carries protocol
// frames only; anything else must go to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve tasks on stdin/stdout as a child execution context",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runWorker(os.Stdin, os.Stdout, os.Stderr)
	},
}

// runWorker serves framed requests from stdin until EOF. Logs go to stderr,
// which the parent process inherits.
func runWorker(stdin io.Reader, stdout, stderr io.Writer) error {
	logger := config.NewLogger(stderr, config.Load().LogLevel).With("pid", os.Getpid())

	reg := handler.Default()
	reg.Seal()
	logger.Info("worker started", "handlers", len(reg.Names()))

	if err := worker.Serve(stdin, stdout, reg); err != nil {
		logger.Error("worker stopped", "error", err)
		return err
	}
	logger.Info("worker stopped")
	return nil
}
