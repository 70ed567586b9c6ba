package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"brokersync/internal/cache"
	"brokersync/internal/repository"
)

// PortfolioHandler serves the cached portfolio views. Until the cache is
// seeded it answers straight from storage so a cold start never returns an
// empty portfolio.
type PortfolioHandler struct {
	Cache        *cache.Store
	Repo         repository.Storage
	AccountID    uint64
	BaseCurrency string
}

func (h *PortfolioHandler) Register(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.GET("/positions", h.positions)
	api.GET("/positions/history", h.history)
	api.GET("/positions/:id/trades", h.trades)
	api.GET("/account/summary", h.accountSummary)
	api.GET("/pnl", h.pnl)
	api.GET("/pnl/daily", h.pnlDaily)
}

func (h *PortfolioHandler) ensureSeeded(c *gin.Context) bool {
	if h.Cache.Initialized() {
		return true
	}
	// Without a registered account there is nothing valid to seed from, and
	// seeding would block the correct seed once bootstrap recovers.
	if h.AccountID == 0 {
		Error(c, http.StatusServiceUnavailable, "portfolio not available", nil)
		return false
	}
	snap, err := h.Repo.LoadSnapshot(c.Request.Context(), h.AccountID)
	if err != nil {
		Error(c, http.StatusServiceUnavailable, "portfolio not available", nil)
		return false
	}
	h.Cache.Seed(snap, h.AccountID, h.BaseCurrency)
	return true
}

func (h *PortfolioHandler) positions(c *gin.Context) {
	if !h.ensureSeeded(c) {
		return
	}
	positions := h.Cache.Positions()
	Ok(c, positions, map[string]any{"count": len(positions)})
}

func (h *PortfolioHandler) history(c *gin.Context) {
	if !h.ensureSeeded(c) {
		return
	}
	history := h.Cache.History()
	Ok(c, history, map[string]any{"count": len(history)})
}

func (h *PortfolioHandler) trades(c *gin.Context) {
	positionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid position id", nil)
		return
	}
	trades, err := h.Repo.ListTradesByPositionID(c.Request.Context(), positionID)
	if err != nil {
		Error(c, http.StatusInternalServerError, "trades not available", nil)
		return
	}
	Ok(c, trades, map[string]any{"count": len(trades)})
}

func (h *PortfolioHandler) accountSummary(c *gin.Context) {
	if !h.ensureSeeded(c) {
		return
	}
	Ok(c, h.Cache.AccountSummary(), nil)
}

func (h *PortfolioHandler) pnl(c *gin.Context) {
	if !h.ensureSeeded(c) {
		return
	}
	Ok(c, h.Cache.PnLSummary(), nil)
}

func (h *PortfolioHandler) pnlDaily(c *gin.Context) {
	if !h.ensureSeeded(c) {
		return
	}
	series := h.Cache.DailySeries()
	Ok(c, series, map[string]any{"count": len(series)})
}
