// Package handlers exposes the request pool over the service's HTTP
// surface.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/gin-gonic/gin"

	"github.com/AsherBond/whistle/internal/callmgr/pool"
	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/logging"
)

// Caller is the slice of the request pool the handlers use.
type Caller interface {
	AuthReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error)
	RouteReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error)
	RegQuery(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error)
	MediaReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error)
}

// Handlers serves pool calls over HTTP.
type Handlers struct {
	caller Caller
	logger logging.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(caller Caller, logger logging.Logger) *Handlers {
	return &Handlers{caller: caller, logger: logger}
}

// Register mounts the request routes on the router.
func (h *Handlers) Register(router *gin.Engine) {
	v1 := router.Group("/v1/requests")
	v1.POST("/auth_req", h.handle(h.caller.AuthReq))
	v1.POST("/route_req", h.handle(h.caller.RouteReq))
	v1.POST("/reg_query", h.handle(h.caller.RegQuery))
	v1.POST("/media_req", h.handle(h.caller.MediaReq))
}

type callFunc func(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error)

func (h *Handlers) handle(call callFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		timeout := time.Duration(0)
		if raw := c.Query("timeout_ms"); raw != "" {
			if ms, err := time.ParseDuration(raw + "ms"); err == nil {
				timeout = ms
			}
		}

		tree, err := call(c.Request.Context(), payload, timeout)
		if err != nil {
			var envErr *api.EnvelopeError
			switch {
			case errors.As(err, &envErr):
				c.JSON(http.StatusBadRequest, gin.H{"error": envErr.Error()})
			case errors.Is(err, pool.ErrTimeout):
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": "no reply from broker"})
			default:
				h.logger.WithError(err).Error("Pool call failed")
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			}
			return
		}

		c.Data(http.StatusOK, "application/json", tree.Bytes())
	}
}
