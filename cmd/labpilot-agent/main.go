package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labpilot/labpilot/internal/agent"
	"github.com/labpilot/labpilot/internal/buildinfo"
	"github.com/labpilot/labpilot/internal/config"
)

const clientTimeout = 45 * time.Second // must exceed the claim long-poll cap

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to agent config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Fatalf("labpilot-agent: %v", err)
	}

	spool, err := agent.NewSpool(cfg.SpoolDir)
	if err != nil {
		logger.Fatalf("labpilot-agent: %v", err)
	}
	client := agent.NewClient(cfg.ControlPlaneURL, clientTimeout)
	registry := agent.DefaultRegistry(cfg.ScriptTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("labpilot-agent: %s starting (worker=%s site=%s)", buildinfo.String(), cfg.WorkerID, cfg.SiteName)
	worker := agent.New(cfg, client, spool, registry, logger)
	if cfg.MetricsListen != "" {
		metrics := agent.NewMetrics()
		worker.WithMetrics(metrics)
		go serveMetrics(ctx, cfg.MetricsListen, metrics, logger)
	}
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("labpilot-agent: %v", err)
	}
}

func serveMetrics(ctx context.Context, listen string, metrics *agent.Metrics, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("labpilot-agent: metrics listener: %v", err)
	}
}

func loadConfig(path string) (config.AgentConfig, error) {
	cfg, err := config.LoadAgent(path)
	if err == nil {
		return cfg, nil
	}
	if path == "" && errors.Is(err, os.ErrNotExist) {
		cfg = config.DefaultAgentConfig()
		return cfg, cfg.Validate()
	}
	return cfg, err
}
