package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peerswarm/lease-coordinator/internal/types"
)

// IssueLeaseRequest asks for a lease on a task. Node, when present, is the
// capability snapshot to match instead of the stored one.
type IssueLeaseRequest struct {
	TaskID string                `json:"taskId" binding:"required" jsonschema:"required"`
	PeerID string                `json:"peerId"`
	Node   *types.NodeCapability `json:"node,omitempty"`
}

// AckLeaseRequest acknowledges that a peer started work
type AckLeaseRequest struct {
	TaskID string `json:"taskId" binding:"required" jsonschema:"required"`
	PeerID string `json:"peerId"`
	Token  string `json:"leaseToken" binding:"required" jsonschema:"required"`
}

// IssueLease grants the calling peer a lease
// @Summary Issue a lease
// @Description Grants an exclusive, time-bounded lease on a QUEUED task to the calling peer.
// @Tags leases
// @Accept json
// @Produce json
// @Param request body IssueLeaseRequest true "Lease request"
// @Success 201 {object} types.Lease
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Already leased, backing off or node busy"
// @Failure 422 {object} ErrorResponse "Capability mismatch"
// @Router /v1/leases [post]
func (h *Handler) IssueLease(c *gin.Context) {
	var req IssueLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	peerID, err := callerPeer(c, req.PeerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if req.Node != nil {
		req.Node.PeerID = peerID
	}

	l, err := h.Leases.Issue(c.Request.Context(), req.TaskID, peerID, req.Node)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

// AckLease moves a leased task to RUNNING
// @Summary Acknowledge a lease
// @Tags leases
// @Accept json
// @Produce json
// @Param request body AckLeaseRequest true "Acknowledgement"
// @Success 200 {object} types.Lease
// @Failure 403 {object} ErrorResponse "Token rejected"
// @Failure 404 {object} ErrorResponse
// @Router /v1/leases/ack [post]
func (h *Handler) AckLease(c *gin.Context) {
	var req AckLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	peerID, err := callerPeer(c, req.PeerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	l, err := h.Leases.Ack(c.Request.Context(), req.TaskID, peerID, req.Token)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// SubmitResult records a peer's result for its leased task
// @Summary Submit a result
// @Description Validates the lease and records the result. Rejections return 409 with the decision.
// @Tags leases
// @Accept json
// @Produce json
// @Param result body types.ResultSubmission true "Result"
// @Success 200 {object} types.SubmitOutcome "Accepted and forwarded"
// @Success 202 {object} types.SubmitOutcome "Accepted and buffered"
// @Failure 409 {object} types.SubmitOutcome "Rejected"
// @Failure 503 {object} ErrorResponse "Buffer full"
// @Router /v1/results [post]
func (h *Handler) SubmitResult(c *gin.Context) {
	var req types.ResultSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	peerID, err := callerPeer(c, req.PeerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	req.PeerID = peerID

	out, err := h.Leases.Submit(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	switch {
	case !out.Decision.Accepted:
		c.JSON(http.StatusConflict, out)
	case out.Buffered:
		c.JSON(http.StatusAccepted, out)
	default:
		c.JSON(http.StatusOK, out)
	}
}
