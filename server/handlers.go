package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/posthog/dbsidecar/gateway"
	"github.com/posthog/dbsidecar/pool"
)

// QueryGateway executes statements on behalf of HTTP callers.
type QueryGateway interface {
	Execute(ctx context.Context, req gateway.QueryRequest) (*gateway.QueryResult, error)
	ExecuteDict(ctx context.Context, req gateway.QueryRequest) (*gateway.DictResult, error)
	Test(ctx context.Context, t pool.Target) error
}

// PoolDirectory reports the live pools.
type PoolDirectory interface {
	Count() int
	Snapshot() []pool.EntryInfo
}

type handlers struct {
	gw             QueryGateway
	pools          PoolDirectory
	defaultMaxRows int
	now            func() time.Time
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		ActivePools: h.pools.Count(),
		Timestamp:   h.now().Format(time.RFC3339Nano),
	})
}

func (h *handlers) testConnection(c *gin.Context) {
	var req testConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidBody(c, err)
		return
	}
	if err := h.gw.Test(c.Request.Context(), req.Connection.target()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, testConnectionResponse{Success: true, Message: "Connection successful"})
}

func (h *handlers) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidBody(c, err)
		return
	}
	res, err := h.gw.Execute(c.Request.Context(), req.toGateway(h.defaultMaxRows))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) queryDict(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidBody(c, err)
		return
	}
	res, err := h.gw.ExecuteDict(c.Request.Context(), req.toGateway(h.defaultMaxRows))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) listPools(c *gin.Context) {
	c.JSON(http.StatusOK, poolsResponse{Pools: toPoolInfos(h.pools.Snapshot())})
}
