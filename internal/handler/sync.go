package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"brokersync/internal/cache"
	"brokersync/internal/gateway"
)

// LinkController is the slice of the gateway link the sync endpoints drive.
type LinkController interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Connected() bool
}

type Degrader interface {
	Degraded() bool
}

// SyncHandler exposes the sync lifecycle. Base is the process context, so a
// link started from a request survives the request.
type SyncHandler struct {
	Base  context.Context
	Link  LinkController
	Cache *cache.Store
	Sched Degrader
}

func (h *SyncHandler) Register(r *gin.Engine) {
	api := r.Group("/api/v1/sync")
	api.GET("/status", h.status)
	api.POST("/start", h.start)
	api.POST("/stop", h.stop)
}

func (h *SyncHandler) status(c *gin.Context) {
	conn := h.Cache.Connection()
	Ok(c, gin.H{
		"running":                  h.Link.Running(),
		"gateway_connected":        conn.GatewayConnected,
		"broker_session_connected": conn.BrokerSessionConnected,
		"last_error":               conn.LastError,
		"last_connected_at":        conn.LastConnectedAt,
		"last_disconnected_at":     conn.LastDisconnectedAt,
		"persistence_degraded":     h.Sched.Degraded(),
		"cache_initialized":        h.Cache.Initialized(),
		"last_update":              h.Cache.LastUpdate(),
	}, nil)
}

func (h *SyncHandler) start(c *gin.Context) {
	if err := h.Link.Start(h.Base); err != nil {
		if errors.Is(err, gateway.ErrAlreadyRunning) {
			Error(c, http.StatusConflict, "sync already running", nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"running": true}, nil)
}

func (h *SyncHandler) stop(c *gin.Context) {
	if err := h.Link.Stop(); err != nil {
		if errors.Is(err, gateway.ErrNotRunning) {
			Error(c, http.StatusConflict, "sync not running", nil)
			return
		}
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"running": false}, nil)
}
