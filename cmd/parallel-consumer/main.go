package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/grafana/parallel-consumer/pkg/manager"
)

type appConfig struct {
	HTTPListenAddr string         `yaml:"http_listen_address"`
	Manager        manager.Config `yaml:"manager"`
}

func main() {
	configFile := flag.String("config.file", "", "YAML config file path.")

	var cfg appConfig
	cfg.HTTPListenAddr = ":8080"
	cfg.Manager.RegisterFlagsAndApplyDefaults("manager.", flag.CommandLine)

	flag.Parse()

	if *configFile != "" {
		if err := loadConfigFile(*configFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed loading config file: %v\n", err)
			os.Exit(1)
		}
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := cfg.Manager.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer

	mgr, err := manager.New(cfg.Manager, logger, reg)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create manager", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: promhttp.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server failed", "err", err)
		}
	}()

	if err := services.StartAndAwaitRunning(context.Background(), mgr); err != nil {
		level.Error(logger).Log("msg", "failed to start parallel consumer", "err", err)
		os.Exit(1)
	}

	handler := signals.NewHandler(logger)
	handler.Loop()

	mgr.StopAsync()
	if err := mgr.AwaitTerminated(context.Background()); err != nil {
		level.Error(logger).Log("msg", "parallel consumer stopped with an error", "err", err)
	}
	_ = httpServer.Close()
}

func loadConfigFile(path string, cfg *appConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}
