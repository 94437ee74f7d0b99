package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/config"
	"bookflow/internal/dashboard"
	"bookflow/internal/engine"
	"bookflow/internal/metrics"
	"bookflow/internal/publisher"
	"bookflow/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
		"env":     config.AppEnvironment(),
		"symbol":  cfg.Feeds.Order.Symbol,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cw.Dashboard,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
		logger.CreateDefaultDashboard(ctx)
	}
	if cfg.Metrics.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	eng := engine.New(engine.ConfigFrom(cfg), engine.WithLogger(log))
	if err := eng.Start(ctx); err != nil {
		log.WithComponent("main").WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	var frames *publisher.KafkaPublisher
	if cfg.Publish.Kafka.Enabled {
		frames, err = publisher.NewKafkaPublisher(cfg.Publish.Kafka, eng.Frames())
		if err != nil {
			log.WithComponent("main").WithError(err).Error("failed to create kafka publisher")
			eng.Stop()
			os.Exit(1)
		}
		if err := frames.Start(ctx); err != nil {
			log.WithComponent("main").WithError(err).Warn("kafka publisher failed to start")
		}
	} else {
		log.WithComponent("main").Info("kafka publishing disabled; frames served over the dashboard only")
	}

	srv, err := dashboard.NewServer(cfg.Dashboard, eng, log)
	if err != nil {
		log.WithComponent("main").WithError(err).Error("failed to create dashboard")
		eng.Stop()
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard stopped with error")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithComponent("main").WithField("signal", sig.String()).Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		eng.Stop()
		if frames != nil {
			frames.Stop()
		}
		cancel()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.WithComponent("main").Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.WithComponent("main").Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}
