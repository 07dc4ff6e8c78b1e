package monitoring

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckResult represents the result of an individual health check
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	service string
	version string
	checks  map[string]HealthCheck
}

// HealthCheck is a function that performs a health check
type HealthCheck func() CheckResult

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck adds a health check to the checker
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	hc.checks[name] = check
}

// CheckHealth runs all health checks and returns the overall status
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult),
	}

	anyUnhealthy := false
	anyDegraded := false
	for name, check := range hc.checks {
		result := check()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			anyDegraded = true
		case StatusUnhealthy:
			anyUnhealthy = true
		default:
			anyUnhealthy = true
		}
	}

	switch {
	case anyUnhealthy:
		status.Status = StatusUnhealthy
	case anyDegraded:
		status.Status = StatusDegraded
	default:
		status.Status = StatusHealthy
	}

	return status
}

// Handler returns a middleware handler for the health check endpoint
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// Common Health Check Functions

// BrokerAvailability reports whether a live broker connection exists or can
// be established on demand.
type BrokerAvailability interface {
	IsAvailable(host string) bool
}

// BrokerHealthCheck creates a health check for AMQP broker connectivity
func BrokerHealthCheck(broker BrokerAvailability, host string) HealthCheck {
	return func() CheckResult {
		start := time.Now()

		if broker == nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "Broker manager is nil",
				Latency: time.Since(start).String(),
			}
		}

		if !broker.IsAvailable(host) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("Broker %s unreachable", host),
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "Broker connection healthy",
			Latency: time.Since(start).String(),
		}
	}
}

// ConsumerHealthCheck creates a health check for a broker consumer. The
// supplied function reports the current consumer queue name and whether the
// consumer believes the broker is up.
func ConsumerHealthCheck(state func() (queue string, up bool)) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		queue, up := state()

		if !up {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "Consumer is in broker-down retry mode",
				Latency: time.Since(start).String(),
			}
		}
		if queue == "" {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "Consumer queue not yet established",
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("Consuming from %s", queue),
			Latency: time.Since(start).String(),
		}
	}
}

// PortPoolHealthCheck creates a health check for a reserved-port pool. An
// empty pool is degraded rather than unhealthy; the pool refills lazily.
func PortPoolHealthCheck(reserved func() int, maxReserved int) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		n := reserved()

		if n == 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "No ports reserved",
				Latency: time.Since(start).String(),
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d/%d ports reserved", n, maxReserved),
			Latency: time.Since(start).String(),
		}
	}
}

// ConfigurationHealthCheck validates that required configuration values are
// present
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		start := time.Now()

		for key, value := range configs {
			if value == "" {
				return CheckResult{
					Status:  StatusUnhealthy,
					Message: fmt.Sprintf("Required configuration %s is empty", key),
					Latency: time.Since(start).String(),
				}
			}
		}

		return CheckResult{
			Status:  StatusHealthy,
			Message: "Configuration valid",
			Latency: time.Since(start).String(),
		}
	}
}
