// Command engined runs the orchestration engine with a demo echo agent.
// It wires config, logging and tracing, serves the Prometheus scrape
// endpoint when enabled, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forge-ai/internal/domain"
	"forge-ai/internal/engine"
	"forge-ai/internal/infra/config"
	"forge-ai/internal/infra/logger"
	"forge-ai/internal/infra/tracer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	metricsAddr := flag.String("metrics-addr", ":9090", "prometheus listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = config.Default()
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	eng, err := engine.New(cfg, echoInvoker{}, log)
	if err != nil {
		return err
	}
	defer eng.Destroy()

	if err := registerDemoAgent(eng, cfg); err != nil {
		return err
	}

	if reg := eng.PrometheusRegistry(); reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info("metrics endpoint up", "addr", *metricsAddr)
	}

	log.Info("engined running, press Ctrl+C to stop")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func registerDemoAgent(eng *engine.Engine, cfg config.Config) error {
	if err := eng.RegisterAgentType("echo", newEchoAgent); err != nil {
		return err
	}
	for _, a := range cfg.Agents {
		err := eng.CreateAgent("echo", domain.AgentConfig{
			ID:                 a.ID,
			Name:               a.Name,
			Description:        a.Description,
			PrimaryModel:       a.PrimaryModel,
			FallbackModels:     a.FallbackModels,
			MaxRetries:         a.MaxRetries,
			Timeout:            a.Timeout,
			CacheEnabled:       a.CacheEnabled,
			CacheTTL:           a.CacheTTL,
			RateLimitPerMinute: a.RateLimitPerMinute,
			Temperature:        a.Temperature,
		}, a.Instances)
		if err != nil {
			return err
		}
	}
	return nil
}
