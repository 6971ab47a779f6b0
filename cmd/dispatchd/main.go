// Command dispatchd runs the request dispatch core standalone: DARQ,
// Router, Worker Directory, Metrics Aggregator, Dispatcher, and the
// chat/completions HTTP gateway wired together behind one process.
//
// Grounded on the teacher's cmd/ollamacron/main.go Application/cobra
// skeleton (load config, initialize logging, start services, wait for
// shutdown signal), trimmed to this core's five components instead of
// a full P2P/consensus node.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/dispatchcore/internal/config"
	"github.com/khryptorgraphics/dispatchcore/internal/httpapi"
	"github.com/khryptorgraphics/dispatchcore/internal/telemetry"
	"github.com/khryptorgraphics/dispatchcore/pkg/clock"
	"github.com/khryptorgraphics/dispatchcore/pkg/darq"
	"github.com/khryptorgraphics/dispatchcore/pkg/directory"
	"github.com/khryptorgraphics/dispatchcore/pkg/dispatcher"
	"github.com/khryptorgraphics/dispatchcore/pkg/metrics"
	"github.com/khryptorgraphics/dispatchcore/pkg/router"
)

var version = "dev"

// application holds every constructed component for the lifetime of
// one dispatchd process.
type application struct {
	cfg *config.Config
	log zerolog.Logger

	agg   *metrics.Aggregator
	dir   *directory.Directory
	queue *darq.Queue
	rt    *router.Router
	disp  *dispatcher.Dispatcher
	http  *httpapi.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app := &application{}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	rootCmd := &cobra.Command{
		Use:     "dispatchd",
		Short:   "dispatchd runs the deadline-aware request dispatch core",
		Version: version,
		RunE:    app.run,
	}
	rootCmd.Flags().String("config", "", "config file (default: ./dispatchcore.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func (app *application) run(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	app.cfg = cfg

	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	app.log = log.With().Str("version", version).Str("go_version", runtime.Version()).Logger()

	if err := app.initialize(); err != nil {
		return fmt.Errorf("initializing dispatch core: %w", err)
	}

	app.start()
	return app.waitForShutdown()
}

func (app *application) initialize() error {
	clk := clock.New()

	aggOpts := []metrics.Option{
		metrics.WithStaleAfterMs(app.cfg.Metrics.StaleAfterMs),
		metrics.WithLogger(app.log),
	}
	app.agg = metrics.New(aggOpts...)

	if app.cfg.Metrics.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: app.cfg.Metrics.RedisAddr})
		if err := metrics.RedisIngest(app.ctx, app.agg, client, app.cfg.Metrics.RedisChannel, app.log); err != nil {
			return fmt.Errorf("starting metrics ingest: %w", err)
		}
	}

	app.dir = directory.New()

	queue, err := darq.New(app.cfg.Queue.BufferMs, app.cfg.Queue.BucketMs, clk)
	if err != nil {
		return err
	}
	app.queue = queue

	rt, err := router.New(app.cfg.RouterConfigOf(), app.dir, app.agg, clk, app.log)
	if err != nil {
		return err
	}
	app.rt = rt

	app.disp = dispatcher.New(app.queue, app.rt, app.dir, dispatcher.Config{
		MaxRetries:        app.cfg.Workers.MaxRetries,
		FirstTokenTimeout: 30 * time.Second,
		IsIdle:            func() bool { return len(app.dir.ReachableIDs()) > 0 && app.queue.Size() == 0 },
	}, app.log)

	app.http = httpapi.New(app.queue, clk, app.log, telemetry.Tracer(), telemetry.TextMapPropagator())

	return nil
}

func (app *application) start() {
	go func() {
		if err := app.disp.Run(app.ctx); err != nil {
			app.log.Error().Err(err).Msg("dispatcher loop exited")
		}
	}()

	go func() {
		app.log.Info().Str("listen", app.cfg.Server.Listen).Msg("starting chat/completions gateway")
		srv := &http.Server{Addr: app.cfg.Server.Listen, Handler: app.http.Handler()}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.Error().Err(err).Msg("http gateway exited")
		}
	}()
}

func (app *application) waitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	app.cancel()
	return nil
}

func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	default:
		return 2
	}
}
