package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/zsock/api"
	"github.com/VanDung-dev/zsock/config"
	"github.com/VanDung-dev/zsock/mq"
)

func main() {
	path := flag.String("config", "", "YAML device configuration (default: built-in streamer)")
	metricsAddr := flag.String("metrics", "", "Metrics listen address, overrides metrics_addr")
	printDefault := flag.Bool("print-default", false, "Print the default configuration and exit")
	flag.Parse()

	if *printDefault {
		out, err := yaml.Marshal(config.Default())
		if err != nil {
			log.Fatalf("Failed to encode default config: %v", err)
		}
		fmt.Print(string(out))
		return
	}

	cfg := config.Default()
	if *path != "" {
		loaded, err := config.Load(*path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(&cfg, logger); err != nil {
		logger.Error("zdevice failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	rt, err := config.Build(cfg, logger, mq.DefaultMetrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := api.NewMetricsServer(cfg.MetricsAddr, prometheus.DefaultGatherer, func() error {
			if st := rt.Device.State(); st != mq.DeviceRunning {
				return fmt.Errorf("device %s", st)
			}
			return nil
		}, logger)
		if _, err := srv.StartAsync(); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	if err := rt.Device.Start(); err != nil {
		return err
	}
	logger.Info("device started", zap.Stringer("type", rt.Device.Type()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.Stringer("signal", sig))
		return nil
	case <-rt.Device.Done():
		err := rt.Device.Err()
		if err == nil {
			err = errors.New("device stopped")
		}
		return err
	}
}
