package main

import (
	"context"
	stlog "log"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/configuration"
	"github.com/cosims/nrt-orchestrator/internal/service"
)

func main() {
	ctx := context.Background()
	app, err := service.Bootstrap(ctx, config.ServiceConfiguration, "configs/configuration.yaml")
	if err != nil {
		stlog.Fatalf("Failed to start the configuration service: %v", err)
	}
	cfg := app.Config

	hub := catalogue.NewHubClient(cfg.Hub.URL, cfg.Hub.Username, app.Env.SciHubPassword,
		cfg.Hub.MaxFilterBytes, cfg.DiasParallelRequests, cfg.Hub.RequestTimeout, app.Logger)
	hrsi := catalogue.NewHRSI(cfg.Catalogue.HRSIURL, catalogue.RestoOptions{
		PageSize:      cfg.Catalogue.PageSize,
		Parallel:      cfg.DiasParallelRequests,
		RateLimitWait: cfg.Catalogue.RateLimitWait,
		Timeout:       cfg.Catalogue.RequestTimeout,
	}, app.Logger)

	loop := configuration.New(app.Store, app.SystemParameters, hub, hrsi, configuration.Options{
		JobTypes:    app.JobTypes(),
		FusionTiles: cfg.FusionTiles,
		SIPBucket:   app.Env.SIPDataBucket,
		LogLevel:    cfg.JobLogLevel,
	}, app.Clock, app.Logger)

	app.Logger.Info("Configuration service starting")
	runErr := app.Run(ctx, loop, app.RunnerOptions())
	app.Close()
	service.Exit(app.Logger, runErr)
}
