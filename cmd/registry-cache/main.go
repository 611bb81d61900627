// Command registry-cache runs the pull-through caching proxy: it
// terminates docker/containerd pull traffic, serves blobs out of the
// local content-addressed store, and transparently forwards everything
// else to the configured upstream registries.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/accesslog"
	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/blobstore"
	"github.com/ocicache/registry-cache/internal/config"
	"github.com/ocicache/registry-cache/internal/httpapi"
	"github.com/ocicache/registry-cache/internal/ingest"
	"github.com/ocicache/registry-cache/internal/metrics"
	"github.com/ocicache/registry-cache/internal/mirror"
	"github.com/ocicache/registry-cache/internal/proxy"
	"github.com/ocicache/registry-cache/internal/streamproxy"
	"github.com/ocicache/registry-cache/internal/upstream"
)

const shutdownTimeout = 20 * time.Second

func main() {
	configPath := flag.String("config", "/etc/registry-cache/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(cfg.ParseLevel())
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(cfg, logger); err != nil {
		if kind, ok := apierr.KindOf(err); ok {
			logger.WithFields(logrus.Fields{"kind": kind.String()}).Fatal(err)
		}
		logger.Fatal(err)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	store, err := blobstore.Open(logger, cfg.Storage.Folder)
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	coordinator := ingest.New(logger, store, baseCtx)
	router := upstream.New(cfg.Upstreams)
	metricsReg := metrics.New(logger)

	fetchers := streamproxy.NewFetchers(logger, cfg.UpstreamIdleTimeout)
	for _, u := range cfg.Upstreams {
		if u.RateLimit > 0 {
			fetchers.SetRateLimit(u.Registry, u.RateLimit, u.Burst)
		}
	}

	mirrorInstance := mirror.New(logger, store, cfg.Storage.Mirror.Bucket, cfg.Storage.Mirror.Region, cfg.Storage.Mirror.Endpoint)
	coordinator.OnPromoted(mirrorInstance.Archive)

	accessSink, err := accesslog.Open(logger, cfg.AccessLog.Enabled, accesslog.PostgresConfig{
		User:     cfg.AccessLog.PostgresUser,
		Password: cfg.AccessLog.PostgresPassword,
		Host:     cfg.AccessLog.PostgresHost,
		Port:     cfg.AccessLog.PostgresPort,
		DBName:   cfg.AccessLog.PostgresDatabase,
		SSLMode:  cfg.AccessLog.PostgresSSLMode,
	})
	if err != nil {
		return err
	}

	blobs := streamproxy.NewBlobHandler(logger, coordinator, store, fetchers, metricsReg)
	fwd := proxy.New(logger, cfg.UpstreamIdleTimeout)

	server := httpapi.New(logger, cfg, router, blobs, fwd, metricsReg, accessSink)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("registry-cache started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	coordinator.Drain()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("error shutting down listeners")
	}
	coordinator.WaitDrained()

	logger.Info("shutdown complete")
	return nil
}
