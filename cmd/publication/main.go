package main

import (
	"context"
	stlog "log"

	"github.com/cosims/nrt-orchestrator/internal/bus"
	"github.com/cosims/nrt-orchestrator/internal/config"
	"github.com/cosims/nrt-orchestrator/internal/publication"
	"github.com/cosims/nrt-orchestrator/internal/service"
)

func main() {
	ctx := context.Background()
	app, err := service.Bootstrap(ctx, config.ServicePublication, "configs/publication.yaml")
	if err != nil {
		stlog.Fatalf("Failed to start the publication service: %v", err)
	}
	env := app.Env

	brokers := func(endpoint string) bus.Broker {
		return bus.NewAMQPBroker(endpoint, env.PublicationID, env.PublicationPassword, env.PublicationVHost)
	}
	loop := publication.New(app.Store, app.SystemParameters, brokers, publication.Options{
		JobTypes: app.JobTypes(),
	}, app.Metrics, app.Clock, app.Logger)

	opts := app.RunnerOptions()
	opts.TolerateTransitionErrors = true

	app.Logger.Info("Publication service starting")
	runErr := app.Run(ctx, loop, opts)
	app.Close()
	service.Exit(app.Logger, runErr)
}
