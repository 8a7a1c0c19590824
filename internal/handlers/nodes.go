package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerswarm/lease-coordinator/internal/capability"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// RegisterNodeRequest declares a peer's capabilities
type RegisterNodeRequest struct {
	PeerID             string             `json:"peerId"`
	Profile            capability.Profile `json:"profile"`
	MaxConcurrentTasks int                `json:"maxConcurrentTasks" binding:"min=0" jsonschema:"minimum=0"`
}

// HeartbeatRequest reports liveness and current resource usage
type HeartbeatRequest struct {
	PeerID string            `json:"peerId"`
	Usage  *capability.Usage `json:"usage,omitempty"`
}

// HeartbeatResponse echoes the recorded beat
type HeartbeatResponse struct {
	PeerID     string    `json:"peerId" jsonschema:"required"`
	ReceivedAt time.Time `json:"receivedAt" jsonschema:"required"`
}

// ListNodesResponse lists registered nodes
type ListNodesResponse struct {
	Nodes []types.NodeCapability `json:"nodes" jsonschema:"required"`
	Total int                    `json:"total" jsonschema:"required"`
}

// RegisterNode creates or updates the calling peer's capability snapshot
// @Summary Register a node
// @Description Upserts the peer's capability profile and marks it available. Task counters are preserved.
// @Tags nodes
// @Accept json
// @Produce json
// @Param node body RegisterNodeRequest true "Node"
// @Success 200 {object} types.NodeCapability
// @Failure 400 {object} ErrorResponse
// @Router /v1/nodes [post]
func (h *Handler) RegisterNode(c *gin.Context) {
	var req RegisterNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	peerID, err := callerPeer(c, req.PeerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	node, err := h.Store.UpsertNode(c.Request.Context(), types.NodeCapability{
		PeerID:             peerID,
		Profile:            req.Profile,
		IsAvailable:        true,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info().Str("peer_id", peerID).Int("max_concurrent_tasks", req.MaxConcurrentTasks).Msg("Node registered")
	c.JSON(http.StatusOK, node)
}

// Heartbeat records that the calling peer is alive
// @Summary Peer heartbeat
// @Tags nodes
// @Accept json
// @Produce json
// @Param heartbeat body HeartbeatRequest true "Heartbeat"
// @Success 200 {object} HeartbeatResponse
// @Failure 404 {object} ErrorResponse "Node not registered"
// @Router /v1/nodes/heartbeat [post]
func (h *Handler) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	peerID, err := callerPeer(c, req.PeerID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.Crash.Heartbeat(c.Request.Context(), peerID, req.Usage); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, HeartbeatResponse{PeerID: peerID, ReceivedAt: time.Now().UTC()})
}

// ListNodes lists registered nodes
// @Summary List nodes
// @Tags nodes
// @Produce json
// @Success 200 {object} ListNodesResponse
// @Router /v1/admin/nodes [get]
func (h *Handler) ListNodes(c *gin.Context) {
	nodes, err := h.Store.ListNodes(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListNodesResponse{Nodes: nodes, Total: len(nodes)})
}

// GetNode returns one node
// @Summary Get a node
// @Tags nodes
// @Produce json
// @Param peerId path string true "Peer ID"
// @Success 200 {object} types.NodeCapability
// @Failure 404 {object} ErrorResponse
// @Router /v1/admin/nodes/{peerId} [get]
func (h *Handler) GetNode(c *gin.Context) {
	node, err := h.Store.GetNode(c.Request.Context(), c.Param("peerId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}
