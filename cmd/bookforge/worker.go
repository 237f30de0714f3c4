package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/bookforge/internal/config"
	"github.com/jo-hoe/bookforge/internal/executor"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume render tasks from Redis",
	Long: `Run an asynq worker that renders jobs enqueued by "bookforge serve".

Requires executor.type asynq and a store shared with the API process
(storage.backend redis, or sqlite on a shared volume).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.Executor.Type != config.ExecutorAsynq {
			return errors.New("worker requires executor.type asynq")
		}

		w, err := executor.NewAsynqWorker(a.log, a.store, a.cfg.Storage.RedisURL, a.cfg.Executor.AsynqQueue, a.cfg.Executor.WorkerCount, a.cfg.Executor.TaskTimeout, a.ctrl)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		a.log.Info("asynq worker started", "queue", a.cfg.Executor.AsynqQueue)
		<-ctx.Done()
		a.log.Info("shutdown signal received")
		w.Shutdown()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
