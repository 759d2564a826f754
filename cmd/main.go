package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/rota/internal/adapters/http/api"
	"github.com/okian/rota/internal/adapters/http/swagger"
	service "github.com/okian/rota/internal/app"
	"github.com/okian/rota/internal/config"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	systemMetricsInterval     = 10 * time.Second
	serviceMetricsInterval    = 5 * time.Second
	nanosecondsPerMillisecond = 1e6
)

// flags holds the command line overrides.
type flags struct {
	configPath string
	logLevel   string
	addr       string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("rota", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config file")
	fs.StringVar(&f.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	fs.StringVar(&f.addr, "addr", "", "override HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func main() {
	// Go and process collectors are replaced by the system gauges below.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString("invalid arguments: " + err.Error() + "\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f); err != nil {
		os.Stderr.WriteString("rota: " + err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.LoadFile(ctx, f.configPath)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	if err := logger.InitWith(os.Stdout, logger.Format(cfg.LogFormat)); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get().Named("main")

	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc := service.New(
		service.WithConfig(cfg),
		service.WithLogger(logger.Get().Named("service")),
	)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	swagger.Register(mux)
	api.NewServer(svc, svc).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		startSystemMetricsUpdater(gctx)
		return nil
	})
	g.Go(func() error {
		startServiceMetricsUpdater(gctx, svc)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(gctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
		}
		svc.Stop(shutdownCtx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info(context.Background(), "server stopped")
	return err
}

// startSystemMetricsUpdater refreshes runtime gauges until ctx is done.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater polls service stats until ctx is done.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateServiceMetrics(svc)
		}
	}
}

func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// updateServiceMetrics mirrors service stats into gauges. GetStats already
// updates the queue gauge; the worker gauge is set here for idle pools.
func updateServiceMetrics(svc *service.Service) {
	stats := svc.GetStats()
	if started, _ := stats["started"].(bool); !started {
		return
	}
	if workerCount, ok := stats["workerCount"].(int); ok {
		metrics.UpdateWorkerActiveCount(workerCount)
	}
}
