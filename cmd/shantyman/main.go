package main

import (
	"context"
	"strings"

	"shantyman/internal/coordinator"
	"shantyman/internal/handlers"
	"shantyman/internal/ingest"
	"shantyman/internal/metrics"
	"shantyman/pkg/config"
	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/middleware"
	"shantyman/pkg/monitoring"
	"shantyman/pkg/server"
	"shantyman/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("shantyman")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Shantyman (Push Hub)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("shantyman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("shantyman", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		PushConnections: metricsCollector.NewGauge("push_connections_active", "Active push connections", []string{"repository"}),
		FramesSent:      metricsCollector.NewCounter("push_frames_sent_total", "Frames pushed to clients", []string{"type"}),
		Broadcasts:      metricsCollector.NewCounter("broadcasts_total", "Broadcast attempts", []string{"outcome"}),
		BroadcastLag:    metricsCollector.NewHistogram("broadcast_duration_seconds", "Broadcast fan-out latency", []string{"repository"}, nil),
	}

	// Create Kafka metrics
	serviceMetrics.KafkaMessages, serviceMetrics.KafkaDuration, serviceMetrics.KafkaLag = metricsCollector.CreateKafkaMetrics()

	// Event bus and coordinator
	bus := eventbus.New(logger)
	policy := config.TimeoutPolicyFromEnv()

	coord, err := coordinator.New(bus, policy, logger, serviceMetrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize coordinator")
	}
	defer coord.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.Start(ctx)

	serviceHandlers := handlers.NewHandlers(coord, logger)

	// Optional Kafka ingest bridge
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		groupID := config.GetEnv("KAFKA_GROUP_ID", "shantyman-group")
		clientID := config.GetEnv("KAFKA_CLIENT_ID", "shantyman")
		topicsEnv := config.GetEnv("KAFKA_TOPICS", "artifact_events")
		topics := strings.Split(topicsEnv, ",")

		consumer, err := ingest.NewConsumer(brokers, groupID, clientID, topics, bus, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka consumer")
		}
		defer consumer.Close()

		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
		healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
			"KAFKA_BROKERS": brokersEnv,
			"KAFKA_TOPICS":  topicsEnv,
		}))

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer error")
			}
		}()
	} else {
		logger.Info("KAFKA_BROKERS not set, ingest bridge disabled")
	}

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "shantyman", healthChecker, metricsCollector)

	// Client and monitoring routes
	router.GET("/ws", serviceHandlers.HandleConnect)
	router.GET("/snapshot", serviceHandlers.HandleSnapshot)
	router.GET("/stats", serviceHandlers.HandleStats)
	router.GET("/stats/:owner/:name", serviceHandlers.HandleRepoStats)

	// Admin routes with service auth
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	admin := router.Group("/admin")
	admin.Use(middleware.ServiceAuthMiddleware(serviceToken))
	admin.POST("/test-artifact", serviceHandlers.HandleTestArtifact)

	router.NoRoute(serviceHandlers.HandleNotFound)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("shantyman", "18014")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
