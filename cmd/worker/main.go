package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/config"
	"manga-server/internal/database"
	"manga-server/internal/generation"
	"manga-server/internal/logger"
	"manga-server/internal/messaging"
	"manga-server/internal/pdf"
	"manga-server/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	log.Info("Configuration loaded")

	pool, err := database.NewPgxPool(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pool.Close()

	if err := database.NewMigrator(pool, log).Up(); err != nil {
		log.Fatal("Failed to apply migrations", zap.Error(err))
	}

	mqConn, err := messaging.Connect(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer mqConn.Close()

	channel, err := mqConn.Channel()
	if err != nil {
		log.Fatal("Failed to open RabbitMQ channel", zap.Error(err))
	}
	defer channel.Close()

	if err := messaging.SetupTopology(channel, cfg.EventQueue, cfg.RedeliveryDelay, log); err != nil {
		log.Fatal("Failed to declare queue topology", zap.Error(err))
	}

	blobs, err := blob.NewFSStore(cfg.BlobDir, log)
	if err != nil {
		log.Fatal("Failed to open blob store", zap.Error(err))
	}

	textGen, err := generation.NewTextGen(cfg, log)
	if err != nil {
		log.Fatal("Failed to build text generator", zap.Error(err))
	}
	imageGen := generation.NewHTTPImageGen(cfg.ImageEndpoint, cfg.ImageTimeout, log)
	assembler := pdf.NewAssembler(cfg.PDFPageSize, cfg.PDFMarginMM, cfg.MaxScenesPerEpisode, log)

	store := database.NewPgMetaStore(pool, log)
	bus := messaging.NewRabbitEventBus(channel, cfg.EventQueue, log)
	processor := worker.NewProcessor(store, blobs, bus, textGen, imageGen, assembler, cfg, log)
	consumer := messaging.NewConsumer(channel, cfg.EventQueue, processor, log)

	// Probe and scrape listener; the worker has no other HTTP surface.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		log.Info("Starting metrics listener", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics listener error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.StartConsuming(ctx)
	}()
	log.Info("Worker started", zap.String("queue", cfg.EventQueue))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down")
		consumer.Stop()
		if err := <-consumerDone; err != nil {
			log.Error("Consumer stopped with error", zap.Error(err))
		}
	case err := <-consumerDone:
		if err != nil {
			log.Error("Consumer stopped with error", zap.Error(err))
		} else {
			log.Warn("Consumer stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics listener forced to shut down", zap.Error(err))
	}
	log.Info("Worker exiting")
}
