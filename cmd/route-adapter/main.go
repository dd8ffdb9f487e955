// Command route-adapter runs the REST adapter between the order event
// stream and the route-optimization system.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orderlink/orderlink/internal/bridge"
	"github.com/orderlink/orderlink/internal/bridge/route"
	"github.com/orderlink/orderlink/internal/broker"
	"github.com/orderlink/orderlink/internal/config"
	"github.com/orderlink/orderlink/internal/events"
	"github.com/orderlink/orderlink/internal/logging"
	"github.com/orderlink/orderlink/internal/metrics"

	_ "github.com/orderlink/orderlink/internal/transport/channel"
	_ "github.com/orderlink/orderlink/internal/transport/nats"
	_ "github.com/orderlink/orderlink/internal/transport/rabbitmq"
)

func main() {
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", err, nil)
		os.Exit(1)
	}
	logger.Info("Starting route-adapter", logging.LogFields{"config": cfg.String()})

	var adapterMetrics *metrics.Adapter
	if cfg.Metrics.Enabled {
		adapterMetrics = metrics.New(prometheus.DefaultRegisterer, cfg.Broker.AdapterID)
		go func() {
			if err := metrics.Serve(cfg.Metrics.Port, prometheus.DefaultGatherer); err != nil {
				logger.Error("Metrics server failed", err, logging.LogFields{"port": cfg.Metrics.Port})
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var brokerOpts []broker.Option
	var routeOpts []route.Option
	if adapterMetrics != nil {
		brokerOpts = append(brokerOpts, broker.WithMetrics(adapterMetrics))
		routeOpts = append(routeOpts, route.WithMetrics(adapterMetrics))
	}

	client := broker.New(&broker.Config{
		Transport:         cfg.Broker.Transport,
		URL:               cfg.Broker.URL,
		AdapterID:         cfg.Broker.AdapterID,
		ReconnectInterval: cfg.Broker.ReconnectInterval,
		Topology:          events.Topology{Topics: events.DefaultTopics()},
	}, logger, brokerOpts...)

	routeBridge := route.New(cfg.Route, client, logger, routeOpts...)

	runtime := bridge.NewRuntime(client, routeBridge, cfg.Route.Queue, logger)
	if err := runtime.Start(ctx); err != nil {
		logger.Error("Adapter start degraded", err, nil)
	}

	<-ctx.Done()
	logger.Info("Shutting down route-adapter", nil)
	if err := runtime.Close(); err != nil {
		logger.Error("Shutdown error", err, nil)
	}
}
