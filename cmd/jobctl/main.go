package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"dataset-job-orchestrator/cmd/jobctl/commands"
	"dataset-job-orchestrator/internal/bootstrap"
	"dataset-job-orchestrator/internal/config"
)

func main() {
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.NewRootCmd(commands.DefaultOpener(cfg)).ExecuteContext(ctx); err != nil {
		bootstrap.Logger(cfg).WithError(err).Error("jobctl failed")
		cancel()
		os.Exit(1)
	}
}
