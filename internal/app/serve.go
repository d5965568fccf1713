package app

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"payrelay/internal/metrics"
	"payrelay/internal/queue"
	"payrelay/internal/scheduler"
	"payrelay/internal/server"
)

// Serve runs the stage HTTP surface and, when asked, the queue dispatcher
// and the batch scheduler in the same process.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.buildRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := a.Config.Server
	srv := server.New(server.Options{
		ListenAddr:      cfg.ListenAddr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		IntakeSecret:    cfg.IntakeSecret,
	}, rt.stages.Handlers(), rt.service, rt.health, rt.metrics.Handler(), a.Logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	if opts.Dispatcher {
		dispatcher, err := a.newDispatcher(rt.broker, rt.metrics)
		if err != nil {
			return err
		}
		g.Go(func() error { return dispatcher.Run(ctx) })
	}

	if opts.Scheduler {
		sched, err := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
			Name:         "batch_engine",
		}, a.Logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
				_, err := rt.engine.Run(ctx, bucket)
				return err
			})
		})
	}

	a.Logger.Info().
		Bool("dispatcher", opts.Dispatcher).
		Bool("scheduler", opts.Scheduler).
		Msg("starting payrelay")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("payrelay stopped")
	return nil
}

// Dispatch runs only the queue dispatcher, delivering to the configured targets.
func (a *App) Dispatch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	broker, closeBroker, err := a.newBroker(ctx, store, nil)
	if err != nil {
		return err
	}
	defer closeBroker()

	dispatcher, err := a.newDispatcher(broker, metrics.New(a.Config.App.Name, nil))
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting dispatcher")
	err = dispatcher.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("dispatcher stopped")
	return nil
}

func (a *App) newDispatcher(broker queue.Broker, m *metrics.Metrics) (*queue.Dispatcher, error) {
	cfg := a.Config.Queue
	return queue.NewDispatcher(broker, queue.DispatcherOptions{
		Targets:          a.dispatchTargets(),
		Workers:          cfg.Workers,
		Timeouts:         cfg.Timeouts,
		RequestTimeout:   cfg.RequestTimeout,
		PollInterval:     cfg.PollInterval,
		BatchSize:        cfg.BatchSize,
		Lease:            cfg.Lease,
		MaxRetryDuration: cfg.MaxRetryDuration,
		MinBackoff:       cfg.MinBackoff,
		MaxBackoff:       cfg.MaxBackoff,
	}, m, a.Logger)
}

// dispatchTargets fills queues without an explicit target with this
// process's own stage endpoints.
func (a *App) dispatchTargets() map[string]string {
	targets := make(map[string]string, len(queue.Queues))
	for q, url := range a.Config.Queue.Targets {
		targets[q] = url
	}

	host, port, err := net.SplitHostPort(a.Config.Server.ListenAddr)
	if err != nil {
		return targets
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, port) + "/v1/stages/"
	for _, q := range queue.Queues {
		if targets[q] == "" {
			targets[q] = base + q
		}
	}
	return targets
}
