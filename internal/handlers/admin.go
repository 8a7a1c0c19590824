package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/recovery"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// RevokeLeaseRequest carries an operator's revocation reason
type RevokeLeaseRequest struct {
	Reason string `json:"reason"`
}

// RevokeLeaseResponse reports whether an active lease was revoked
type RevokeLeaseResponse struct {
	TaskID  string `json:"taskId" jsonschema:"required"`
	Revoked bool   `json:"revoked" jsonschema:"required"`
}

// CrashCheckResponse lists crashes found by a manual check
type CrashCheckResponse struct {
	Crashes []types.CrashEvent `json:"crashes" jsonschema:"required"`
}

// ListAuditRequest represents query parameters for listing audit records
type ListAuditRequest struct {
	Kind   string    `form:"kind" json:"kind"`
	TaskID string    `form:"taskId" json:"taskId"`
	PeerID string    `form:"peerId" json:"peerId"`
	Since  time.Time `form:"since" json:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit  int       `form:"limit" json:"limit" binding:"omitempty,min=1,max=5000" jsonschema:"minimum=1,maximum=5000"`
}

func (r ListAuditRequest) filter(defaultLimit int) types.AuditFilter {
	limit := r.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	return types.AuditFilter{
		Kind:   types.AuditKind(r.Kind),
		TaskID: r.TaskID,
		PeerID: r.PeerID,
		Since:  r.Since,
		Limit:  limit,
	}
}

// ListAuditResponse is a page of audit records, newest first
type ListAuditResponse struct {
	Records []types.AuditRecord `json:"records" jsonschema:"required"`
	Total   int                 `json:"total" jsonschema:"required"`
}

// RequeueTask hands a FAILED or EXPIRED task back to the queue
// @Summary Requeue a task
// @Tags admin
// @Produce json
// @Param taskId path string true "Task ID"
// @Success 200 {object} types.RequeueResult
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Task is not FAILED or EXPIRED"
// @Router /v1/admin/tasks/{taskId}/requeue [post]
func (h *Handler) RequeueTask(c *gin.Context) {
	res, err := h.Requeuer.Requeue(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RevokeTaskLease revokes the active lease of a task
// @Summary Revoke a task's lease
// @Description Revokes the active lease and returns the task to QUEUED without consuming a retry.
// @Tags admin
// @Accept json
// @Produce json
// @Param taskId path string true "Task ID"
// @Param request body RevokeLeaseRequest false "Reason"
// @Success 200 {object} RevokeLeaseResponse
// @Router /v1/admin/tasks/{taskId}/revoke [post]
func (h *Handler) RevokeTaskLease(c *gin.Context) {
	var req RevokeLeaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	taskID := c.Param("taskId")
	revoked, err := h.Leases.Revoke(c.Request.Context(), taskID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RevokeLeaseResponse{TaskID: taskID, Revoked: revoked})
}

// RevokePeer revokes every active lease of a peer as if it had crashed
// @Summary Revoke a peer's leases
// @Tags admin
// @Produce json
// @Param peerId path string true "Peer ID"
// @Success 200 {object} types.RevocationSummary
// @Router /v1/admin/peers/{peerId}/revoke [post]
func (h *Handler) RevokePeer(c *gin.Context) {
	sum, err := h.Revoker.RevokeOnCrash(c.Request.Context(), c.Param("peerId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// CheckCrashes runs the crash detector once
// @Summary Run a crash check
// @Tags admin
// @Produce json
// @Success 200 {object} CrashCheckResponse
// @Router /v1/admin/crash/check [post]
func (h *Handler) CheckCrashes(c *gin.Context) {
	crashes, err := h.Crash.Check(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if crashes == nil {
		crashes = []types.CrashEvent{}
	}
	c.JSON(http.StatusOK, CrashCheckResponse{Crashes: crashes})
}

// ProbePartition probes the control plane once and returns the partition
// state afterwards
// @Summary Probe the control plane
// @Tags admin
// @Produce json
// @Success 200 {object} partition.Status
// @Router /v1/admin/partition/probe [post]
func (h *Handler) ProbePartition(c *gin.Context) {
	if err := h.Partition.Probe(c.Request.Context()); err != nil {
		h.logger.Debug().Err(err).Msg("Manual probe failed")
	}
	c.JSON(http.StatusOK, h.Partition.Snapshot())
}

// Recover classifies a failure signal and runs the matching recovery
// @Summary Run a recovery
// @Description Classifies the signal as NODE_CRASH, PARTITION_HEALED or LEASE_EXPIRED and recovers. Failed recoveries return 500 with the result.
// @Tags admin
// @Accept json
// @Produce json
// @Param signal body recovery.Signal true "Failure signal"
// @Success 200 {object} recovery.Result
// @Failure 400 {object} recovery.Result "Unclassifiable signal"
// @Failure 500 {object} recovery.Result
// @Router /v1/admin/recovery [post]
func (h *Handler) Recover(c *gin.Context) {
	var sig recovery.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		bindError(c, err)
		return
	}

	res := h.Recovery.Recover(c.Request.Context(), sig)
	switch {
	case res.Success:
		c.JSON(http.StatusOK, res)
	case res.Type == recovery.Unknown:
		c.JSON(http.StatusBadRequest, res)
	default:
		c.JSON(http.StatusInternalServerError, res)
	}
}

// RecoveryHistory returns recent recoveries, newest first
// @Summary Recovery history
// @Tags admin
// @Produce json
// @Success 200 {array} recovery.Result
// @Router /v1/admin/recovery/history [get]
func (h *Handler) RecoveryHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.Recovery.History())
}

// SweepExpired runs the expiration monitor once
// @Summary Sweep expired leases
// @Tags admin
// @Produce json
// @Success 200 {object} sweepers.SweepResult
// @Router /v1/admin/expiration/sweep [post]
func (h *Handler) SweepExpired(c *gin.Context) {
	res, err := h.Expiration.Sweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// FlushBuffer reconciles buffered results now
// @Summary Flush the result buffer
// @Description Runs a reconciliation. While DEGRADED this attempts the move to RECONCILING; otherwise it only flushes.
// @Tags admin
// @Produce json
// @Success 200 {object} reconcile.Report
// @Failure 409 {object} ErrorResponse "Reconciliation already running"
// @Failure 503 {object} ErrorResponse "Control plane unavailable"
// @Router /v1/admin/buffer/flush [post]
func (h *Handler) FlushBuffer(c *gin.Context) {
	if h.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "result buffer not configured", Code: "BUFFER_DISABLED"})
		return
	}
	report, err := h.Reconciler.Run(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// BufferStats returns result buffer occupancy
// @Summary Result buffer stats
// @Tags admin
// @Produce json
// @Success 200 {object} buffer.Stats
// @Router /v1/admin/buffer/stats [get]
func (h *Handler) BufferStats(c *gin.Context) {
	if h.Buffer == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "result buffer not configured", Code: "BUFFER_DISABLED"})
		return
	}
	stats, err := h.Buffer.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListAudit lists audit records, newest first
// @Summary List audit records
// @Tags admin
// @Produce json
// @Param kind query string false "Record kind"
// @Param taskId query string false "Task ID"
// @Param peerId query string false "Peer ID"
// @Param since query string false "RFC 3339 lower bound"
// @Param limit query int false "Number of items to return" default(100) minimum(1) maximum(5000)
// @Success 200 {object} ListAuditResponse
// @Router /v1/admin/audit [get]
func (h *Handler) ListAudit(c *gin.Context) {
	var req ListAuditRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}
	recs, err := h.Audit.List(c.Request.Context(), req.filter(100))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListAuditResponse{Records: recs, Total: len(recs)})
}

// ExportAudit downloads audit records as an Excel workbook
// @Summary Export audit records
// @Tags admin
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param kind query string false "Record kind"
// @Param taskId query string false "Task ID"
// @Param peerId query string false "Peer ID"
// @Param since query string false "RFC 3339 lower bound"
// @Success 200 {file} file
// @Router /v1/admin/audit/export [get]
func (h *Handler) ExportAudit(c *gin.Context) {
	var req ListAuditRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}
	recs, err := h.Audit.List(c.Request.Context(), req.filter(5000))
	if err != nil {
		h.respondError(c, err)
		return
	}

	name := fmt.Sprintf("audit-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Status(http.StatusOK)
	if err := audit.WriteXLSX(c.Writer, recs); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write audit export")
	}
}
