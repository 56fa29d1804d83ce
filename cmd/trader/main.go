package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"arbterm/internal/bus"
	"arbterm/internal/obs"
	"arbterm/internal/og"
	"arbterm/internal/ops"
	"arbterm/internal/risk"
	"arbterm/internal/state"
	"arbterm/internal/store"
	"arbterm/internal/strategy"
	"arbterm/internal/supervisor"
	"arbterm/internal/venue"
	"arbterm/internal/venue/sim"
	"arbterm/internal/venue/terminal"
	"arbterm/pkg/exception"
)

const shutdownTimeout = 10 * time.Second

type profileLogger struct{}

func (profileLogger) Infof(format string, args ...any)  {}
func (profileLogger) Debugf(format string, args ...any) {}
func (profileLogger) Errorf(format string, args ...any) {
	logs.Errorf("pyroscope: "+format, args...)
}

func main() {
	configPath := flag.String("config", "", "Path to YAML or JSON config (empty = simulated venue)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}

	if err := run(loaded); err != nil {
		logs.Errorf("trader stopped, err: %+v", err)
		os.Exit(1)
	}
}

func run(loaded ops.Loaded) error {
	if loaded.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.Profiling.ApplicationName,
			ServerAddress:   loaded.Profiling.ServerAddress,
			Tags:            map[string]string{"venue": loaded.Venue},
			Logger:          profileLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return errors.Wrap(err, "start profiler")
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, loaded.Store)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logs.Errorf("close store, err: %+v", err)
		}
	}()

	metrics := obs.NewMetrics()
	loop := bus.NewLoop(loaded.LoopCapacity)

	session := newSession(loaded)
	bridge := venue.NewBridge(session, loop, venue.BridgeConfig{QuoteQueueSize: loaded.QuoteQueueSize}, metrics)

	engine, err := og.NewEngine(loaded.Engine, og.Deps{
		Loop:       loop,
		Dispatcher: bridge,
		Store:      st,
		Registry:   loaded.Registry,
		Risk:       risk.NewEngine(loaded.Risk),
		Quotes:     bridge.Quotes(),
		Metrics:    metrics,
	})
	if err != nil {
		return errors.Wrap(err, "create order engine")
	}
	bridge.SetHandler(engine)

	agg := state.NewAggregator(loop, engine, loaded.Registry, st)
	engine.SetFillListener(agg)

	var wg conc.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Go(func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			logs.Errorf("event loop stopped, err: %+v", err)
		}
	})
	wg.Go(func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			logs.Errorf("venue bridge stopped, err: %+v", err)
		}
	})

	if err := trackPositions(ctx, agg, loaded); err != nil {
		return err
	}

	sup := supervisor.New(loaded.Supervisor, strategy.Env{
		Trader:   engine,
		Feed:     bridge,
		Quotes:   bridge.Quotes(),
		Registry: loaded.Registry,
	}, st, metrics)
	if _, err := sup.Restore(ctx); err != nil {
		return errors.Wrap(err, "restore strategies")
	}

	srv, err := serveMetrics(loaded.Metrics, metrics)
	if err != nil {
		return err
	}

	logs.Infof("trader started, venue=%s instruments=%d positions=%d", loaded.Venue, loaded.Registry.Count(), len(loaded.Positions))
	<-sys.Shutdown()
	logs.Info("trader shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := sup.Close(stopCtx); err != nil {
		logs.Errorf("close supervisor, err: %+v", err)
	}
	if srv != nil {
		if err := srv.Shutdown(stopCtx); err != nil {
			logs.Errorf("shutdown metrics server, err: %+v", err)
		}
	}
	return nil
}

func newSession(loaded ops.Loaded) venue.Session {
	if loaded.Venue == ops.VenueTerminal {
		return terminal.New(loaded.Terminal)
	}
	v := sim.New(loaded.Sim)
	for _, q := range loaded.SimQuotes {
		v.SetQuote(q.Instrument, q.Bid, q.Ask)
	}
	return v
}

// trackPositions resumes every configured position from the store and
// creates the ones seen for the first time.
func trackPositions(ctx context.Context, agg *state.Aggregator, loaded ops.Loaded) error {
	for _, pos := range loaded.Positions {
		err := agg.Restore(ctx, pos.ID)
		if err == nil {
			continue
		}
		if err != exception.ErrPositionNotFound {
			return errors.Wrap(err, "restore position").With("id", pos.ID)
		}
		if err := agg.AddPosition(ctx, pos); err != nil {
			return errors.Wrap(err, "add position").With("id", pos.ID)
		}
	}
	return nil
}

func serveMetrics(cfg ops.MetricsConfig, metrics *obs.Metrics) (*http.Server, error) {
	if cfg.Listen == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("metrics server stopped, err: %+v", err)
		}
	}()
	logs.Infof("metrics served on %s%s", cfg.Listen, path)
	return srv, nil
}
