package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/csop/internal/config"
	"github.com/seantiz/csop/internal/handler"
	"github.com/seantiz/csop/internal/pool"
)

var runTimeoutFlag time.Duration

var runCmd = &cobra.Command{
	Use:   "run <task> [json]",
	Short: "Execute one task locally and print its result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage
		if len(args) == 2 {
			payload = json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON: %s", args[1])
			}
		}

		cfg := config.Load()
		logger := config.NewLogger(os.Stderr, cfg.LogLevel)
		reg := handler.Default()
		spawner, err := newSpawner(cfg.WorkerMode, reg, logger)
		if err != nil {
			return err
		}

		p, err := pool.New(pool.Config{
			NumWorkers:     1,
			DefaultTimeout: cfg.TaskTimeout,
			Spawner:        spawner,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer p.Shutdown()

		h, err := p.Execute(args[0], payload, pool.Options{Timeout: runTimeoutFlag})
		if err != nil {
			return err
		}
		result, err := h.Wait(cmd.Context())
		if err != nil {
			return fmt.Errorf("task %s: %w", h.ID(), err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(result))
		return err
	},
}

func init() {
	runCmd.Flags().DurationVar(&runTimeoutFlag, "timeout", 0, "task timeout (defaults to CSOP_TASK_TIMEOUT_MS)")
}
