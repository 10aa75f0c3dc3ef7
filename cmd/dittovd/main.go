package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittovd/internal/logger"
	"github.com/marmos91/dittovd/pkg/bitmapstore"
	"github.com/marmos91/dittovd/pkg/block"
	"github.com/marmos91/dittovd/pkg/config"
	"github.com/marmos91/dittovd/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure logger
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := setLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to open log output: %v", err)
	}

	fmt.Println("DittoVD - Virtual Disk Layer")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	if err := config.RegisterDrivers(); err != nil {
		log.Fatalf("Failed to register drivers: %v", err)
	}

	g := config.CreateGraph(cfg)

	store, err := config.CreateBitmapStore(&cfg.BitmapStore)
	if err != nil {
		log.Fatalf("Failed to open bitmap store: %v", err)
	}
	if store != nil {
		logger.Info("Bitmap persistence enabled at: %s", cfg.BitmapStore.Path)
	}

	nodes, err := config.OpenDisks(g, cfg, store)
	if err != nil {
		log.Fatalf("Failed to open disks: %v", err)
	}
	logger.Info("Opened %d disk(s), %d node(s) in the graph", len(nodes), g.CountNodes())

	// Expose Prometheus metrics
	if cfg.Metrics.Enabled {
		go func() {
			handler := promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			logger.Info("Metrics endpoint listening on %s", cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Error("Metrics endpoint failed: %v", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal %v, shutting down", sig)

	done := make(chan struct{})
	go func() {
		defer close(done)
		shutdown(cfg, g, store)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Error("Shutdown timed out after %v", cfg.Server.ShutdownTimeout)
		os.Exit(1)
	}
}

// shutdown commits, persists bitmaps and closes the graph.
func shutdown(cfg *config.Config, g *block.Graph, store *bitmapstore.Store) {
	if cfg.Server.CommitOnShutdown {
		if err := g.CommitAll(); err != nil {
			logger.Error("Commit on shutdown failed: %v", err)
		}
	}

	if store != nil {
		for _, n := range g.ListNodes() {
			if err := store.SaveNode(n); err != nil {
				logger.Error("Failed to persist bitmaps of node %q: %v", n.Name(), err)
			}
		}
	}

	g.CloseAll()

	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close bitmap store: %v", err)
		}
	}
}

func setLogOutput(output string) error {
	switch output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		logger.SetOutput(f)
	}
	return nil
}
