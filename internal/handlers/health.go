package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/peerswarm/lease-coordinator/internal/buffer"
	"github.com/peerswarm/lease-coordinator/internal/crash"
	"github.com/peerswarm/lease-coordinator/internal/partition"
	"github.com/peerswarm/lease-coordinator/internal/reconcile"
	"github.com/peerswarm/lease-coordinator/internal/recovery"
	"github.com/peerswarm/lease-coordinator/internal/revocation"
	"github.com/peerswarm/lease-coordinator/internal/sweepers"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status" jsonschema:"required,enum=ok,enum=degraded,enum=unavailable"`
	Database  string `json:"database" jsonschema:"required"`
	Partition string `json:"partition" jsonschema:"required"`
}

// StatsResponse aggregates component statistics
type StatsResponse struct {
	Tasks       map[types.TaskStatus]int  `json:"tasks"`
	Expiration  *sweepers.ExpirationStats `json:"expiration,omitempty"`
	Crash       *crash.Stats              `json:"crash,omitempty"`
	Revocation  revocation.Stats          `json:"revocation"`
	Partition   partition.Status          `json:"partition"`
	Buffer      *buffer.Stats             `json:"buffer,omitempty"`
	Reconcile   *reconcile.Report         `json:"lastReconcile,omitempty"`
	Recovery    recovery.Stats            `json:"recovery"`
	GeneratedAt time.Time                 `json:"generatedAt"`
}

// HealthCheck handles the health check endpoint
// @Summary Health check
// @Description Reports database reachability and the partition state. DEGRADED still answers 200.
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	response := HealthResponse{Status: "ok", Partition: partition.Normal.String()}

	if h.Partition != nil {
		state := h.Partition.State()
		response.Partition = state.String()
		if state != partition.Normal {
			response.Status = "degraded"
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		response.Status = "unavailable"
		response.Database = "disconnected"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Database = "connected"

	c.JSON(http.StatusOK, response)
}

// Stats gathers every component's statistics
// @Summary Component statistics
// @Tags health
// @Produce json
// @Success 200 {object} StatsResponse
// @Router /v1/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	resp := StatsResponse{GeneratedAt: time.Now().UTC()}
	g, ctx := errgroup.WithContext(c.Request.Context())

	g.Go(func() error {
		counts, err := h.Store.CountTasksByStatus(ctx)
		resp.Tasks = counts
		return err
	})
	if h.Expiration != nil {
		g.Go(func() error {
			s, err := h.Expiration.Stats(ctx)
			resp.Expiration = s
			return err
		})
	}
	if h.Crash != nil {
		g.Go(func() error {
			s, err := h.Crash.Stats(ctx)
			resp.Crash = s
			return err
		})
	}
	if h.Buffer != nil {
		g.Go(func() error {
			s, err := h.Buffer.Stats(ctx)
			resp.Buffer = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		h.respondError(c, err)
		return
	}

	if h.Revoker != nil {
		resp.Revocation = h.Revoker.Stats()
	}
	if h.Partition != nil {
		resp.Partition = h.Partition.Snapshot()
	}
	if h.Reconciler != nil {
		resp.Reconcile = h.Reconciler.Last()
	}
	if h.Recovery != nil {
		resp.Recovery = h.Recovery.Stats()
	}
	c.JSON(http.StatusOK, resp)
}
