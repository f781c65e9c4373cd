package main

import (
	"context"
	stlog "log"

	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/monitor"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/service"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	app, err := service.Bootstrap(ctx, config.ServiceMonitor, "configs/monitor.yaml")
	if err != nil {
		stlog.Fatalf("Failed to start the monitor service: %v", err)
	}
	cfg := app.Config

	address := cfg.NomadAddress(app.Env)
	scheduler := nomad.NewClient(address, cfg.Nomad.RequestTimeout)
	loop := monitor.New(app.Store, app.SystemParameters, scheduler, app.JobTypes(), app.Clock, app.Logger)

	// The monitor heals the other loops' jobs and stays up through its own
	// internal errors.
	opts := app.RunnerOptions()
	opts.KeepRunning = true

	app.Logger.Info("Monitor service starting", zap.String("nomad_address", address))
	runErr := app.Run(ctx, loop, opts)
	app.Close()
	service.Exit(app.Logger, runErr)
}
