// Command commandsim drives a simulated flaky dependency through a command
// engine and exposes the engine's metrics and circuits over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/openmesh/kit/command"
	"github.com/openmesh/kit/config"
	"github.com/openmesh/kit/metrics"
)

func main() {
	fs := flag.NewFlagSet("commandsim", flag.ExitOnError)
	var (
		debugAddr   = fs.String("debug.addr", envString("DEBUG_ADDR", ":8080"), "Debug and metrics listen address")
		configFile  = fs.String("config", envString("COMMANDSIM_CONFIG", ""), "YAML command configuration, reloaded on change")
		qps         = fs.Float64("qps", 50, "Commands started per second")
		concurrency = fs.Int("concurrency", 8, "Concurrent callers")
		failureRate = fs.Float64("failure.rate", 0.2, "Probability that a dependency call fails")
		latency     = fs.Duration("latency", 20*time.Millisecond, "Mean dependency latency")
		keys        = fs.String("keys", "users.get,orders.list", "Comma-separated command keys")
		debug       = fs.Bool("debug", false, "Log every command result")
	)
	fs.Usage = usageFor(fs, os.Args[0]+" [flags]")
	fs.Parse(os.Args[1:])

	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
		if *debug {
			logger = level.NewFilter(logger, level.AllowDebug())
		} else {
			logger = level.NewFilter(logger, level.AllowInfo())
		}
	}

	var provider config.Provider = config.NewStatic()
	if *configFile != "" {
		f, err := config.NewFile(*configFile, config.FileLogger(log.With(logger, "component", "config")))
		if err != nil {
			level.Error(logger).Log("during", "config", "err", err)
			os.Exit(1)
		}
		f.Watch()
		provider = f
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.Multi{
		metrics.NewPrometheus(reg, "commandsim", "command"),
		metrics.NewLogSink(log.With(logger, "component", "sink")),
	}

	engine := command.NewEngine(
		command.WithConfig(provider),
		command.WithLogger(log.With(logger, "component", "engine")),
		command.WithSink(sink),
	)

	var g run.Group
	{
		debugListener, err := net.Listen("tcp", *debugAddr)
		if err != nil {
			level.Error(logger).Log("transport", "debug/HTTP", "during", "Listen", "err", err)
			os.Exit(1)
		}
		g.Add(func() error {
			level.Info(logger).Log("transport", "debug/HTTP", "addr", *debugAddr)
			return http.Serve(debugListener, newAdminHandler(engine, reg, log.With(logger, "component", "admin")))
		}, func(error) {
			debugListener.Close()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		s := &simulator{
			engine:      engine,
			keys:        splitKeys(*keys),
			qps:         *qps,
			concurrency: *concurrency,
			failureRate: *failureRate,
			latency:     *latency,
			logger:      log.With(logger, "component", "simulator"),
		}
		g.Add(func() error {
			return s.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		cancelInterrupt := make(chan struct{})
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-c:
				return fmt.Errorf("received signal %s", sig)
			case <-cancelInterrupt:
				return nil
			}
		}, func(error) {
			close(cancelInterrupt)
		})
	}
	level.Info(logger).Log("exit", g.Run())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		level.Warn(logger).Log("during", "Close", "err", err)
	}
}

func splitKeys(s string) []command.Key {
	var keys []command.Key
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, command.Key(k))
		}
	}
	return keys
}

func usageFor(fs *flag.FlagSet, short string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "USAGE\n")
		fmt.Fprintf(os.Stderr, "  %s\n", short)
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(os.Stderr, "  -%-14s %-12s %s\n", f.Name, f.DefValue, f.Usage)
		})
		fmt.Fprintf(os.Stderr, "\n")
	}
}

func envString(env, fallback string) string {
	e := os.Getenv(env)
	if e == "" {
		return fallback
	}
	return e
}
