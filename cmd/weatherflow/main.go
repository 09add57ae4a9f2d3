package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	weatherflow "github.com/windcrest/weatherflow"
	"github.com/windcrest/weatherflow/internal/amap"
	"github.com/windcrest/weatherflow/internal/cache"
	"github.com/windcrest/weatherflow/internal/config"
	"github.com/windcrest/weatherflow/internal/dispatch"
	"github.com/windcrest/weatherflow/internal/eventbus"
	"github.com/windcrest/weatherflow/internal/geo"
	"github.com/windcrest/weatherflow/internal/logger"
	"github.com/windcrest/weatherflow/internal/metrics"
)

// stdioConn joins stdin and stdout into the session stream the dispatch
// server speaks over. Logs go to stderr so frames stay clean.
type stdioConn struct {
	io.Reader
	io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("configuration failed: ", err)
	}

	slogger := logger.Setup()

	var records []weatherflow.CityRecord
	if cfg.CityDataPath != "" {
		records, err = geo.LoadDataset(cfg.CityDataPath)
	} else {
		records, err = geo.EmbeddedDataset()
	}
	if err != nil {
		log.Fatal("city dataset failed to load: ", err)
	}

	resolver, err := geo.NewResolver(records,
		geo.WithLimit(cfg.SearchLimit),
		geo.WithLogger(slogger),
	)
	if err != nil {
		log.Fatal("resolver initialization failed: ", err)
	}

	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(cfg.EventBusBufferSize),
		eventbus.WithWorkerCount(cfg.EventBusWorkerCount),
		eventbus.WithLogger(slogger),
	)

	providerOptions := []amap.AdapterOption{
		amap.WithMaxAttempts(cfg.MaxRetries),
		amap.WithRetryDelay(cfg.RetryBaseDelay, 10*cfg.RetryBaseDelay),
		amap.WithTimeout(cfg.RequestTimeout),
		amap.WithConcurrency(cfg.MaxConcurrency),
		amap.WithLogger(slogger),
		amap.WithEventBus(bus),
	}
	if cfg.AmapBaseURL != "" {
		providerOptions = append(providerOptions, amap.WithBaseURL(cfg.AmapBaseURL))
	}
	provider, err := amap.NewAdapter(cfg.AmapKey, providerOptions...)
	if err != nil {
		log.Fatal("provider initialization failed: ", err)
	}

	snapshots := cache.NewSnapshotCache(cfg.CacheMaxEntries, cfg.LiveTTL, cfg.ForecastTTL,
		cache.WithLogger(slogger),
		cache.WithEventBus(bus),
	)

	engineCfg := weatherflow.DefaultConfig()
	engineCfg.MaxConcurrentFetches = cfg.MaxConcurrency
	engineCfg.MaxRetries = cfg.MaxRetries
	engineCfg.RetryBaseDelay = cfg.RetryBaseDelay
	engineCfg.RequestTimeout = cfg.RequestTimeout
	engineCfg.LiveTTL = cfg.LiveTTL
	engineCfg.ForecastTTL = cfg.ForecastTTL
	engineCfg.CacheMaxEntries = cfg.CacheMaxEntries
	engineCfg.SearchLimit = cfg.SearchLimit
	engineCfg.ForecastDefaultDays = cfg.ForecastDefaultDays
	engineCfg.ForecastMaxDays = cfg.ForecastMaxDays
	engineCfg.EventBusBufferSize = cfg.EventBusBufferSize
	engineCfg.EventBusWorkerCount = cfg.EventBusWorkerCount

	engine, err := weatherflow.New(ctx,
		weatherflow.WithConfig(engineCfg),
		weatherflow.WithResolver(resolver),
		weatherflow.WithCache(snapshots),
		weatherflow.WithProvider(provider),
		weatherflow.WithEventBus(bus),
	)
	if err != nil {
		log.Fatal("engine initialization failed: ", err)
	}
	defer engine.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, bus)
	}

	server, err := dispatch.NewServer(engine,
		dispatch.WithLogger(slogger),
		dispatch.WithEventBus(bus),
		dispatch.WithMaxConcurrentCalls(cfg.MaxConcurrency),
	)
	if err != nil {
		log.Fatal("dispatch server initialization failed: ", err)
	}

	if err := server.Serve(ctx, stdioConn{os.Stdin, os.Stdout}); err != nil {
		log.Fatal("session failed: ", err)
	}
}

func serveMetrics(addr string, bus eventbus.EventBus) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Print("metrics endpoint failed: ", err)
		bus.Publish(context.Background(), eventbus.NewEvent(
			eventbus.EventSystemError,
			err.Error(),
			"MetricsServer",
			map[string]interface{}{"addr": addr},
		))
	}
}
