package main

import (
	"context"
	stlog "log"

	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/iaas"
	"github.com/cosims/nrt-orchestrator/internal/nomad"
	"github.com/cosims/nrt-orchestrator/internal/service"
	"github.com/cosims/nrt-orchestrator/internal/workerpool"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	app, err := service.Bootstrap(ctx, config.ServiceWorkerPool, "configs/workerpool.yaml")
	if err != nil {
		stlog.Fatalf("Failed to start the worker pool service: %v", err)
	}
	cfg := app.Config

	compute := iaas.NewClient(cfg.IaaS.URL, iaas.Options{
		Username:          app.Env.OSUsername,
		Password:          app.Env.OSPassword,
		RequestsPerSecond: cfg.IaaS.RequestsPerSecond,
		Burst:             cfg.IaaS.Burst,
		Timeout:           cfg.IaaS.RequestTimeout,
	})
	scheduler := nomad.NewClient(cfg.NomadAddress(app.Env), cfg.Nomad.RequestTimeout)
	loop := workerpool.New(compute, scheduler, app.SystemParameters, workerpool.Options{
		Pool:          cfg.WorkerPool,
		JobTypes:      app.JobTypes(),
		JobNames:      cfg.Nomad.JobNames,
		APIInstanceIP: app.Env.HTTPAPIInstanceIP,
	}, app.Metrics, app.Clock, app.Logger)

	app.Logger.Info("Worker pool service starting",
		zap.String("iaas_url", cfg.IaaS.URL),
		zap.String("template", cfg.WorkerPool.TemplateInstance))
	runErr := app.Run(ctx, loop, app.RunnerOptions())
	app.Close()
	service.Exit(app.Logger, runErr)
}
