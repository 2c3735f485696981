// Copyright 2023 SQLKeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sqlkeeper/sqlkeeper/build/version"
	"github.com/sqlkeeper/sqlkeeper/internal/gateway"
	"github.com/sqlkeeper/sqlkeeper/internal/pool"
	"github.com/sqlkeeper/sqlkeeper/internal/shutdown"
	"github.com/sqlkeeper/sqlkeeper/internal/util/ctxutil"
	"github.com/sqlkeeper/sqlkeeper/internal/util/debug"
	"github.com/sqlkeeper/sqlkeeper/internal/util/debugbuild"
	"github.com/sqlkeeper/sqlkeeper/internal/util/logging"
	"github.com/sqlkeeper/sqlkeeper/internal/util/must"
	"github.com/sqlkeeper/sqlkeeper/internal/util/observability"
	"github.com/sqlkeeper/sqlkeeper/internal/util/state"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version bool `default:"false" help:"Print version to stdout and exit." env:"-"`
	Ping    bool `default:"false" help:"Run the storage self-check and exit." env:"-"`

	Dir          string `default:"data" help:"Base directory for store files."`
	StoreVersion string `default:"v1"   help:"Layout version subdirectory under the base directory."`

	IdleTimeout time.Duration `default:"30s"   help:"How long an unused handle stays open."`
	MaxRetries  uint64        `default:"3"     help:"Total attempt budget for one operation."`
	RetryDelay  time.Duration `default:"100ms" help:"Pause between attempts."`

	SweepInterval  time.Duration `default:"60s" help:"How often stale handles are swept."`
	StaleThreshold time.Duration `default:"5m"  help:"Age past which a sweep closes a handle."`

	ShutdownGrace time.Duration `default:"100ms" help:"Delay after draining for in-flight closes."`

	DebugAddr     string `default:"127.0.0.1:8088" help:"Listen address for HTTP handlers for metrics, pprof, etc."`
	OtelTracesURL string `name:"otel-traces-url" default:"" help:"OpenTelemetry OTLP/HTTP traces endpoint; empty disables tracing."`

	StateDir string `default:"." help:"Process state directory."`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}"                     enum:"${enum_log_format}"`
		UUID   bool   `default:"false"                help:"Add instance UUID to all log messages." negatable:""`
	} `embed:"" prefix:"log-"`

	MetricsUUID bool `default:"false" help:"Add instance UUID to all metrics." negatable:""`
}

// Additional variables for the kong parsers.
var (
	logLevels = []string{
		zap.DebugLevel.String(),
		zap.InfoLevel.String(),
		zap.WarnLevel.String(),
		zap.ErrorLevel.String(),
	}

	logFormats = []string{"console", "json"}

	kongOptions = []kong.Option{
		kong.Vars{
			"default_log_level": defaultLogLevel().String(),

			"enum_log_format": strings.Join(logFormats, ","),

			"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logFormats, "', '")),
			"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logLevels, "', '")),
		},
		kong.DefaultEnvars("SQLKEEPER"),
	}
)

func main() {
	kong.Parse(&cli, kongOptions...)

	run()
}

// defaultLogLevel returns the default log level.
func defaultLogLevel() zapcore.Level {
	if version.Get().DebugBuild {
		return zap.DebugLevel
	}

	return zap.InfoLevel
}

// setupState setups state provider.
func setupState() *state.Provider {
	var f string

	// https://github.com/alecthomas/kong/issues/389
	if cli.StateDir != "" && cli.StateDir != "-" {
		var err error
		if f, err = filepath.Abs(filepath.Join(cli.StateDir, "state.json")); err != nil {
			log.Fatalf("Failed to get path for state file: %s.", err)
		}
	}

	sp, err := state.NewProvider(f)
	if err != nil {
		log.Fatalf("Failed to create state provider: %s.", err)
	}

	return sp
}

// setupMetrics setups Prometheus metrics registerer with some metrics.
func setupMetrics(stateProvider *state.Provider) prometheus.Registerer {
	r := prometheus.DefaultRegisterer
	m := stateProvider.MetricsCollector(true)

	// we don't do it by default due to
	// https://prometheus.io/docs/instrumenting/writing_exporters/#target-labels-not-static-scraped-labels
	if cli.MetricsUUID {
		r = prometheus.WrapRegistererWith(
			prometheus.Labels{"uuid": stateProvider.Get().UUID},
			prometheus.DefaultRegisterer,
		)
		m = stateProvider.MetricsCollector(false)
	}

	r.MustRegister(m)

	return r
}

// setupLogger setups zap logger.
func setupLogger(stateProvider *state.Provider, format string) *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.Bool("debugBuild", info.DebugBuild),
	}
	logUUID := stateProvider.Get().UUID

	// Similarly to Prometheus, unless requested, don't add UUID to all messages, but log it once at startup.
	if !cli.Log.UUID {
		startupFields = append(startupFields, zap.String("uuid", logUUID))
		logUUID = ""
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	logging.Setup(level, format, logUUID)
	l := zap.L()

	l.Info("Starting SQLKeeper "+info.Version+"...", startupFields...)

	if debugbuild.Enabled {
		l.Info("This is debug build. The performance will be affected.")
	}

	return l
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics() {
	mfs := must.NotFail(prometheus.DefaultGatherer.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}

// run sets up environment based on provided flags and runs SQLKeeper.
func run() {
	// to increase a chance of resource finalizers to spot problems
	if debugbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	info := version.Get()

	if cli.Version {
		fmt.Fprintln(os.Stdout, "version:", info.Version)
		fmt.Fprintln(os.Stdout, "commit:", info.Commit)
		fmt.Fprintln(os.Stdout, "dirty:", info.Dirty)
		fmt.Fprintln(os.Stdout, "debugBuild:", info.DebugBuild)

		return
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	stateProvider := setupState()

	metricsRegisterer := setupMetrics(stateProvider)

	logger := setupLogger(stateProvider, cli.Log.Format)

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	stopOtel, err := observability.SetupOtel("sqlkeeper", cli.OtelTracesURL)
	if err != nil {
		logger.Sugar().Fatalf("Failed to set up OpenTelemetry: %s.", err)
	}

	ctx, stop := ctxutil.SigTerm(context.Background())

	go func() {
		<-ctx.Done()
		logger.Info("Stopping...")
		stop()
	}()

	registry, err := pool.New(&pool.NewOpts{
		Dir:         cli.Dir,
		Version:     cli.StoreVersion,
		IdleTimeout: cli.IdleTimeout,
		L:           logger.Named("pool"),
		SP:          stateProvider,
	})
	if err != nil {
		logger.Sugar().Fatalf("Failed to construct registry: %s.", err)
	}

	metricsRegisterer.MustRegister(registry)

	g := gateway.New(&gateway.NewOpts{
		Pool:       registry,
		Dir:        cli.Dir,
		Version:    cli.StoreVersion,
		MaxRetries: cli.MaxRetries,
		RetryDelay: cli.RetryDelay,
		L:          logger.Named("gateway"),
	})

	if err := ping(ctx, g, registry, logger); err != nil {
		logger.Sugar().Fatalf("Storage self-check failed: %s.", err)
	}

	if cli.Ping {
		registry.Close()
		return
	}

	var wg sync.WaitGroup

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		wg.Add(1)

		go func() {
			defer wg.Done()

			status := func() map[string]debug.StoreStatus {
				snap := registry.Snapshot()
				res := make(map[string]debug.StoreStatus, len(snap))

				for _, h := range snap {
					res[h.Name] = debug.StoreStatus{
						Open:        h.Open,
						LastUsedISO: h.LastUsed.Format(time.RFC3339Nano),
						AgeMS:       h.Age.Milliseconds(),
					}
				}

				return res
			}

			debug.RunHandler(ctx, cli.DebugAddr, metricsRegisterer, status, logger.Named("debug"))
		}()
	}

	sweeper := pool.NewSweeper(registry, &pool.SweeperOpts{
		Interval:       cli.SweepInterval,
		StaleThreshold: cli.StaleThreshold,
		L:              logger.Named("sweeper"),
	})

	wg.Add(1)

	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	shutdown.New(registry, cli.ShutdownGrace, logger.Named("shutdown")).Run(ctx)

	registry.Close()

	stop()

	wg.Wait()

	if stopOtel != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()

		if err := stopOtel(stopCtx); err != nil { //nolint:contextcheck // use new context for cancellation
			logger.Sugar().Warnf("Failed to stop OpenTelemetry: %s.", err)
		}
	}

	if info.DebugBuild {
		dumpMetrics()
	}
}
