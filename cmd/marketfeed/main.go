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

	appconfig "marketfeed/config"
	"marketfeed/internal/archive"
	"marketfeed/internal/exchange"
	"marketfeed/internal/marketdata"
	"marketfeed/internal/ratelimit"
	"marketfeed/internal/stream"
	"marketfeed/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketfeed.Name,
		"version": cfg.Marketfeed.Version,
	}).Info("starting marketfeed")

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	limiter := ratelimit.Default()
	restClient := exchange.NewClient(cfg.API.BaseURL, cfg.API.Timeout, limiter)

	wsClient := stream.NewClient(stream.ClientConfig{
		URL:                  cfg.WS.URL,
		KeepaliveInterval:    cfg.WS.KeepaliveInterval,
		ReconnectBaseDelay:   cfg.WS.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.WS.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.WS.MaxReconnectAttempts,
	})
	manager := stream.NewConnManager(wsClient, stream.ManagerConfig{
		MaxRetries: cfg.WS.ManagerMaxRetries,
		RetryDelay: cfg.WS.ManagerRetryDelay,
	})

	perpService := marketdata.NewPerpService(restClient, manager, cfg.API.CacheTTL)
	spotService := marketdata.NewSpotService(restClient, manager, cfg.API.CacheTTL)

	if _, err := perpService.FetchMarkets(ctx); err != nil {
		log.WithComponent("main").WithError(err).Warn("initial perp snapshot failed")
	}
	if _, err := spotService.FetchMarkets(ctx); err != nil {
		log.WithComponent("main").WithError(err).Warn("initial spot snapshot failed")
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(cfg.Archive, perpService, spotService)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archiving disabled")
	}

	// Keep snapshots fresh: the streamed mids only patch prices, so the
	// slower-moving fields still need a periodic REST refresh.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		refreshEvery := cfg.API.CacheTTL
		if refreshEvery <= 0 {
			refreshEvery = 30 * time.Second
		}
		ticker := time.NewTicker(refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := perpService.RefreshMarkets(ctx); err != nil {
					log.WithComponent("main").WithError(err).Warn("perp refresh failed")
				}
				if _, err := spotService.RefreshMarkets(ctx); err != nil {
					log.WithComponent("main").WithError(err).Warn("spot refresh failed")
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	cancel()
	wg.Wait()

	if archiver != nil {
		archiver.Stop()
	}
	perpService.Destroy()
	spotService.Destroy()
	manager.ForceDisconnect()

	log.Info("marketfeed stopped")
}
