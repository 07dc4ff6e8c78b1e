package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AsherBond/whistle/internal/callmgr/handlers"
	"github.com/AsherBond/whistle/internal/callmgr/pool"
	"github.com/AsherBond/whistle/pkg/broker"
	"github.com/AsherBond/whistle/pkg/config"
	"github.com/AsherBond/whistle/pkg/logging"
	"github.com/AsherBond/whistle/pkg/monitoring"
	"github.com/AsherBond/whistle/pkg/server"
	"github.com/AsherBond/whistle/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("callmgr")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Call Manager (request pool)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("callmgr", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("callmgr", version.Version, version.GitCommit)

	amqpHost := config.RequireEnv("AMQP_HOST")
	urlTemplate := config.GetEnv("AMQP_URL_TEMPLATE", "amqp://guest:guest@%s:5672/")
	baseline := config.GetEnvInt("POOL_SIZE", 10)
	trimInterval := config.GetEnvDuration("POOL_TRIM_INTERVAL", pool.DefaultTrimInterval)

	// Broker session manager
	manager := broker.NewManager(broker.URLDialer{Template: urlTemplate}, logger)
	connGauge, chanGauge, _ := metricsCollector.CreateBrokerMetrics()
	manager.SetMetrics(connGauge, chanGauge)

	// Request pool
	requestPool := pool.New(pool.Config{
		Opener:       manager,
		Host:         amqpHost,
		Baseline:     baseline,
		TrimInterval: trimInterval,
		Logger:       logger,
	})
	workersGauge, requestsCounter, _ := metricsCollector.CreatePoolMetrics()
	requestPool.SetMetrics(workersGauge, requestsCounter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)
	go requestPool.Run(ctx)

	// Add health checks
	healthChecker.AddCheck("broker", monitoring.BrokerHealthCheck(manager, amqpHost))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"AMQP_HOST": amqpHost,
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "callmgr", healthChecker, metricsCollector)
	handlers.NewHandlers(requestPool, logger).Register(router)

	// Operator signal: the cluster layer reports broker nodes as
	// rabbit@<host>.
	router.POST("/admin/node_down", func(c *gin.Context) {
		manager.NodeDown(c.Query("node"))
		c.Status(http.StatusAccepted)
	})

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("callmgr", "18020")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
