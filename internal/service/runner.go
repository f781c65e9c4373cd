// Package service holds what the six orchestrator binaries share: the loop
// runner and its error policy, the health and metrics server, Consul
// registration and process bootstrap.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/WatchBeam/clock"
	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"github.com/cosims/nrt-orchestrator/internal/logging"
	"github.com/cosims/nrt-orchestrator/internal/metrics"
	"go.uber.org/zap"
)

// MaxTransitionErrors is how many consecutive status transition errors a
// tolerant loop absorbs before stopping.
const MaxTransitionErrors = 3

// Loop is the body of a service, run once per tick.
type Loop interface {
	Tick(ctx context.Context) error
}

// LoopFunc adapts a function to Loop.
type LoopFunc func(ctx context.Context) error

// Tick implements Loop.
func (f LoopFunc) Tick(ctx context.Context) error { return f(ctx) }

// RunnerOptions tune a Runner.
type RunnerOptions struct {
	Service string
	// Sleep returns the pause between ticks. It is called after every tick
	// so the system parameters can change it.
	Sleep       func() time.Duration
	TickTimeout time.Duration
	// TolerateTransitionErrors absorbs up to MaxTransitionErrors
	// consecutive status transition errors.
	TolerateTransitionErrors bool
	// KeepRunning logs internal errors instead of stopping.
	KeepRunning bool
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Runner drives a Loop and applies the error policy to each tick.
type Runner struct {
	loop             Loop
	opts             RunnerOptions
	transitionErrors int
}

// NewRunner creates a runner for loop.
func NewRunner(loop Loop, opts RunnerOptions) *Runner {
	if opts.Clock == nil {
		opts.Clock = clock.C
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sleep == nil {
		opts.Sleep = func() time.Duration { return time.Minute }
	}
	return &Runner{loop: loop, opts: opts}
}

// Run ticks until ctx is cancelled or a tick fails fatally. Cancellation is
// not an error.
func (r *Runner) Run(ctx context.Context) error {
	r.opts.Logger.Info("Loop starting", zap.String("service", r.opts.Service))
	for {
		if err := r.RunOnce(ctx); err != nil {
			r.opts.Logger.Error("Loop stopped", zap.String("service", r.opts.Service), zap.Error(err))
			return err
		}
		sleep := r.opts.Sleep()
		select {
		case <-ctx.Done():
			r.opts.Logger.Info("Loop stopped", zap.String("service", r.opts.Service))
			return nil
		case <-r.opts.Clock.After(sleep):
		}
	}
}

// RunOnce runs one tick and returns the error that should stop the loop,
// nil when the loop may go on.
func (r *Runner) RunOnce(ctx context.Context) error {
	tickCtx, tickID := logging.NewTick(ctx)
	if r.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(tickCtx, r.opts.TickTimeout)
		defer cancel()
	}
	logger := r.opts.Logger.With(zap.String("service", r.opts.Service), zap.String("tick_id", tickID))

	start := r.opts.Clock.Now()
	err := r.loop.Tick(tickCtx)
	r.opts.Metrics.TickDuration.WithLabelValues(r.opts.Service).Observe(r.opts.Clock.Now().Sub(start).Seconds())

	outcome, fatal := r.classify(ctx, err)
	r.opts.Metrics.LoopTicks.WithLabelValues(r.opts.Service, outcome).Inc()
	switch outcome {
	case "ok", "cancelled":
		logger.Debug("Tick finished", zap.String("outcome", outcome))
	case "external_error":
		logger.Warn("Tick hit an external error", zap.Error(err))
	default:
		logger.Error("Tick failed", zap.String("outcome", outcome), zap.Error(err))
	}
	return fatal
}

func (r *Runner) classify(ctx context.Context, err error) (string, error) {
	if err == nil {
		r.transitionErrors = 0
		return "ok", nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return "cancelled", nil
	}
	if csierr.IsExternal(err) {
		r.transitionErrors = 0
		return "external_error", nil
	}
	if r.opts.TolerateTransitionErrors && csierr.HasSubtype(err, csierr.SubtypeStatusTransition) {
		r.transitionErrors++
		if r.transitionErrors <= MaxTransitionErrors {
			return "transition_error", nil
		}
		return "transition_error", err
	}
	r.transitionErrors = 0
	if r.opts.KeepRunning {
		return "internal_error", nil
	}
	return "internal_error", err
}
