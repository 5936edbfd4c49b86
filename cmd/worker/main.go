package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dataset-job-orchestrator/internal/archive"
	"dataset-job-orchestrator/internal/bootstrap"
	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/telemetry"
	workerproc "dataset-job-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, err := bootstrap.Open(ctx, cfg, true)
	if err != nil {
		bootstrap.Logger(cfg).WithError(err).Fatal("startup failed")
	}
	defer deps.Close()
	log := deps.Log

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init archive")
	}

	reg := workerproc.NewRegistry(telemetry.Metered{Enqueuer: deps.Jobs}, log, cfg.Debug)
	reg.Use(workerproc.LogHooks(log))
	reg.Use(workerproc.MetricHooks())

	sink := deps.Tracer()
	reg.Register(workerproc.TaskForward, cfg.BuiltinQueue, workerproc.Forward)
	reg.Register(workerproc.TaskStore, cfg.BuiltinQueue, workerproc.StoreEntities(deps.Entities), workerproc.WithTracer(sink))
	reg.Register(workerproc.TaskChecksum, cfg.BuiltinQueue, workerproc.VerifyChecksums(arch), workerproc.WithTracer(sink))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	processor := workerproc.NewProcessor(cfg, deps.Jobs, reg, log)
	log.WithFields(logrus.Fields{
		"backoff_initial": cfg.BackoffInitial.String(),
		"max_attempts":    cfg.MaxAttempts,
	}).Info("worker starting")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}
}
