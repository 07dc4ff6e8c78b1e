package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AsherBond/whistle/internal/mediamgr"
	"github.com/AsherBond/whistle/pkg/broker"
	"github.com/AsherBond/whistle/pkg/config"
	"github.com/AsherBond/whistle/pkg/logging"
	"github.com/AsherBond/whistle/pkg/monitoring"
	"github.com/AsherBond/whistle/pkg/server"
	"github.com/AsherBond/whistle/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("mediamgr")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Media Manager (request dispatcher)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("mediamgr", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("mediamgr", version.Version, version.GitCommit)

	amqpHost := config.RequireEnv("AMQP_HOST")
	urlTemplate := config.GetEnv("AMQP_URL_TEMPLATE", "amqp://guest:guest@%s:5672/")
	storeURL := config.RequireEnv("MEDIA_STORE_URL")
	streamerCmd := config.RequireEnv("MEDIA_STREAMER_CMD")

	// Broker session manager
	manager := broker.NewManager(broker.URLDialer{Template: urlTemplate}, logger)
	connGauge, chanGauge, _ := metricsCollector.CreateBrokerMetrics()
	manager.SetMetrics(connGauge, chanGauge)

	// Media dispatcher
	dispatcher := mediamgr.New(mediamgr.Config{
		Opener:           manager,
		Host:             amqpHost,
		Store:            mediamgr.NewCouchStore(storeURL, logger),
		Supervisor:       mediamgr.NewExecSupervisor(streamerCmd, logger),
		DefaultDB:        config.GetEnv("MEDIA_DEFAULT_DB", mediamgr.DefaultMediaDB),
		PortMin:          config.GetEnvInt("MEDIA_PORT_MIN", 0),
		PortMax:          config.GetEnvInt("MEDIA_PORT_MAX", 0),
		MaxReservedPorts: config.GetEnvInt("MAX_RESERVED_PORTS", mediamgr.DefaultMaxReservedPorts),
		Logger:           logger,
	})
	portsGauge, requestsCounter, streamsGauge := metricsCollector.CreateMediaMetrics()
	dispatcher.SetMetrics(portsGauge, requestsCounter, streamsGauge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)
	go dispatcher.Run(ctx)

	// Add health checks
	healthChecker.AddCheck("broker", monitoring.BrokerHealthCheck(manager, amqpHost))
	healthChecker.AddCheck("consumer", monitoring.ConsumerHealthCheck(func() (string, bool) {
		state := dispatcher.State()
		return state.Queue, state.BrokerUp
	}))
	maxPorts := config.GetEnvInt("MAX_RESERVED_PORTS", mediamgr.DefaultMaxReservedPorts)
	healthChecker.AddCheck("ports", monitoring.PortPoolHealthCheck(func() int {
		return dispatcher.State().ReservedPorts
	}, maxPorts))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"AMQP_HOST":       amqpHost,
		"MEDIA_STORE_URL": storeURL,
	}))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "mediamgr", healthChecker, metricsCollector)

	// Operator signal: the cluster layer reports broker nodes as
	// rabbit@<host>.
	router.POST("/admin/node_down", func(c *gin.Context) {
		manager.NodeDown(c.Query("node"))
		c.Status(http.StatusAccepted)
	})

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("mediamgr", "18021")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
