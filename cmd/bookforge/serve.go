package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/bookforge/internal/config"
	"github.com/jo-hoe/bookforge/internal/executor"
	"github.com/jo-hoe/bookforge/internal/server"
)

var serveNoWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the bookforge HTTP API.

With the local executor jobs run on an in-process worker pool and jobs left
over by a previous run are recovered on start. With the asynq executor jobs are
enqueued to Redis; an in-process asynq worker is started too unless
--no-worker is given.

Endpoints:
  POST /v1/generations              submit a generation request
  GET  /v1/generations/{id}         job status
  POST /v1/generations/{id}/cancel  cancel a job
  GET  /v1/generations/{id}/file    download the finished book
  GET  /healthz                     health check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		ex, stop, err := startExecutor(ctx, a, !serveNoWorker)
		if err != nil {
			return err
		}

		httpSrv := server.NewHTTPServer(&server.Service{Log: a.log, Cfg: a.cfg, Executor: ex})
		errCh := make(chan error, 1)
		go func() {
			a.log.Info("http server starting", "address", a.cfg.Server.Addr, "executor", a.cfg.Executor.Type, "store", a.cfg.Storage.Backend)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		var serveErr error
		select {
		case <-ctx.Done():
			a.log.Info("shutdown signal received")
		case serveErr = <-errCh:
			if serveErr != nil {
				a.log.Error("server error", "err", serveErr)
			}
		}

		// Graceful shutdown: stop taking requests first, then drain workers.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}
		stop()
		a.log.Info("server stopped")
		return serveErr
	},
}

// startExecutor builds the configured executor. The returned stop func drains
// whatever it started.
func startExecutor(ctx context.Context, a *app, withWorker bool) (executor.Executor, func(), error) {
	opts := a.executorOptions()
	switch a.cfg.Executor.Type {
	case config.ExecutorAsynq:
		ex, err := executor.NewAsynq(a.log, a.store, a.cfg.Storage.RedisURL, a.cfg.Executor.AsynqQueue, a.cfg.Executor.TaskTimeout, opts)
		if err != nil {
			return nil, nil, err
		}
		if !withWorker {
			return ex, func() { _ = ex.Close() }, nil
		}
		w, err := executor.NewAsynqWorker(a.log, a.store, a.cfg.Storage.RedisURL, a.cfg.Executor.AsynqQueue, a.cfg.Executor.WorkerCount, a.cfg.Executor.TaskTimeout, a.ctrl)
		if err != nil {
			_ = ex.Close()
			return nil, nil, err
		}
		if err := w.Start(); err != nil {
			_ = ex.Close()
			return nil, nil, fmt.Errorf("start asynq worker: %w", err)
		}
		return ex, func() {
			w.Shutdown()
			_ = ex.Close()
		}, nil
	default:
		l := executor.NewLocal(a.log, a.store, a.ctrl, a.cfg.Executor.QueueCapacity, a.cfg.Executor.WorkerCount, opts)
		// Workers outlive the signal context; Shutdown stops them after the HTTP server.
		if err := l.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, nil, err
		}
		return l, func() { l.Shutdown(a.cfg.Server.ShutdownGrace) }, nil
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "asynq executor only: do not consume tasks in this process")
	rootCmd.AddCommand(serveCmd)
}
