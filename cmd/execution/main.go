package main

import (
	"context"
	stlog "log"

	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/execution"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/service"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	app, err := service.Bootstrap(ctx, config.ServiceExecution, "configs/execution.yaml")
	if err != nil {
		stlog.Fatalf("Failed to start the execution service: %v", err)
	}
	cfg := app.Config

	address := cfg.NomadAddress(app.Env)
	scheduler := nomad.NewClient(address, cfg.Nomad.RequestTimeout)
	loop := execution.New(app.Store, app.SystemParameters, scheduler, execution.Options{
		JobTypes: app.JobTypes(),
		JobNames: cfg.Nomad.JobNames,
	}, app.Logger)

	app.Logger.Info("Execution service starting", zap.String("nomad_address", address))
	runErr := app.Run(ctx, loop, app.RunnerOptions())
	app.Close()
	service.Exit(app.Logger, runErr)
}
