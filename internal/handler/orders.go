package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"brokersync/internal/order"
)

type OrderHandler struct {
	Orders *order.Gateway
}

func (h *OrderHandler) Register(r *gin.Engine) {
	api := r.Group("/api/v1/orders")
	api.POST("", h.submit)
	api.GET("", h.list)
	api.GET("/:key", h.get)
}

type submitOrderRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	order.Request
}

func (h *OrderHandler) submit(c *gin.Context) {
	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}
	sub, err := h.Orders.Submit(c.Request.Context(), key, req.Request)
	if err != nil {
		if errors.Is(err, order.ErrQueueFull) {
			Error(c, http.StatusTooManyRequests, "order queue full", nil)
			return
		}
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	c.JSON(http.StatusAccepted, apiResponse{Code: 0, Message: "ok", Data: sub})
}

func (h *OrderHandler) list(c *gin.Context) {
	subs := h.Orders.List()
	Ok(c, subs, map[string]any{"count": len(subs)})
}

func (h *OrderHandler) get(c *gin.Context) {
	sub, ok := h.Orders.Get(c.Param("key"))
	if !ok {
		Error(c, http.StatusNotFound, "order not found", nil)
		return
	}
	Ok(c, sub, nil)
}
