// Command rccd is the routing core's runnable entrypoint: load
// configuration, assemble pipeline pools, and serve the northbound HTTP
// surface until signalled to stop. Exit codes: 0 clean shutdown, 1 fatal
// startup failure (configuration invalid, no assembled pools, port bind
// failure), 2 runtime invariant violation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/Jasonzhangf/rcc-sub004/assembler"
	"github.com/Jasonzhangf/rcc-sub004/config"
	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/httpapi"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/manager"
	"github.com/Jasonzhangf/rcc-sub004/scheduler"
	"github.com/Jasonzhangf/rcc-sub004/tracker"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := rlog.New(rlog.Options{ServiceName: "rccd", Component: "main", Level: os.Getenv("RCC_LOG_LEVEL")})

	path := os.Getenv("RCC_CONFIG_PATH")
	if path == "" {
		path = "config.json"
	}

	file, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load configuration", map[string]interface{}{"path": path, "error": err.Error()})
		return 1
	}

	providers, vms, err := file.ToDomain()
	if err != nil {
		logger.Error("failed to translate configuration", map[string]interface{}{"error": err.Error()})
		return 1
	}

	policies := make(map[string]assembler.PoolPolicy, len(file.VirtualModels))
	for _, vc := range file.VirtualModels {
		policies[vc.ID] = assembler.PoolPolicy{
			Strategy:    vc.ParseStrategy(),
			Retry:       domain.DefaultRetryPolicy(),
			Breaker:     scheduler.DefaultBreakerConfig(),
			MaxInFlight: 50,
		}
	}

	asmResult := assembler.Assemble(vms, providers, policies, 60*time.Second, logger)
	for _, d := range asmResult.Diagnostics {
		fields := map[string]interface{}{"virtual_model": d.VirtualModelID}
		if d.Severity == assembler.SeverityFatal {
			logger.Error(d.Message, fields)
		} else {
			logger.Warn(d.Message, fields)
		}
	}
	if !asmResult.Success {
		logger.Error("assembly produced no usable pools, refusing to serve", nil)
		return 1
	}

	mgr := manager.New(logger)
	mgr.InstallPools(asmResult.Pools)

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	mgr.Start(healthCtx)

	trk := buildTracker(file, logger)

	bearerToken := file.Server.BearerToken
	rt := httpapi.NewRouter(mgr, trk, bearerToken, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", file.Server.Port),
		Handler: rt.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", map[string]interface{}{"error": err.Error()})
			return 1
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", map[string]interface{}{"signal": sig.String()})
	}

	shutdownTimeout := file.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}

	mgr.Shutdown(shutdownTimeout)
	logger.Info("shutdown complete", nil)
	return 0
}

// buildTracker wires an in-memory Ring by default, optionally backed by
// Redis (RCC_REDIS_ADDR) and/or OTel metrics export (RCC_OTEL_ENABLED).
func buildTracker(file *config.File, logger rlog.Logger) *tracker.Tracker {
	var store tracker.Store
	if addr := os.Getenv("RCC_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		store = tracker.NewRedisStore(context.Background(), tracker.RedisStoreOptions{Client: client})
		logger.Info("trace store backed by redis", map[string]interface{}{"addr": addr})
	}

	var otelMetrics *tracker.OTelMetrics
	if os.Getenv("RCC_OTEL_ENABLED") == "true" {
		provider := metric.NewMeterProvider()
		meter := provider.Meter("rcc.routing")
		m, err := tracker.NewOTelMetrics(context.Background(), meter)
		if err != nil {
			logger.Warn("otel metrics setup failed, continuing without them", map[string]interface{}{"error": err.Error()})
		} else {
			otelMetrics = m
		}
	}

	return tracker.New(store, otelMetrics)
}
