package main

import (
	"context"
	stlog "log"

	"github.com/cosims/nrt-orchestrator/internal/catalogue"
	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/creation"
	"github.com/cosims/nrt-orchestrator/internal/geometry"
	"github.com/cosims/nrt-orchestrator/internal/service"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()
	app, err := service.Bootstrap(ctx, config.ServiceCreation, "configs/creation.yaml")
	if err != nil {
		stlog.Fatalf("Failed to start the creation service: %v", err)
	}
	cfg := app.Config

	grid, err := geometry.LoadGrid(cfg.TileGridFile)
	if err != nil {
		app.Close()
		service.Exit(app.Logger, err)
	}

	resto := catalogue.RestoOptions{
		PageSize:      cfg.Catalogue.PageSize,
		Parallel:      cfg.DiasParallelRequests,
		RateLimitWait: cfg.Catalogue.RateLimitWait,
		Timeout:       cfg.Catalogue.RequestTimeout,
	}
	sources := creation.Sources{
		Creodias:  catalogue.NewCreodias(cfg.Catalogue.CreodiasURL, resto, app.Logger),
		HRSI:      catalogue.NewHRSI(cfg.Catalogue.HRSIURL, resto, app.Logger),
		Manifests: catalogue.NewHTTPManifestReader(cfg.Catalogue.ManifestURL, cfg.Catalogue.RequestTimeout),
	}
	loop := creation.New(app.Store, app.SystemParameters, sources, creation.Options{
		JobTypes:          app.JobTypes(),
		AOIWKT:            cfg.AOIWKT,
		Tiles:             cfg.Tiles,
		Grid:              grid,
		MaxRequestedPages: cfg.MaxRequestedPages,
		LogLevel:          cfg.JobLogLevel,
	}, app.Metrics, app.Clock, app.Logger)

	app.Logger.Info("Creation service starting", zap.Int("tiles", len(cfg.Tiles)), zap.Strings("job_types", cfg.JobTypes))
	runErr := app.Run(ctx, loop, app.RunnerOptions())
	app.Close()
	service.Exit(app.Logger, runErr)
}
