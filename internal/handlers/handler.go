// Package handlers exposes the coordinator over HTTP.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/peerswarm/lease-coordinator/internal/audit"
	"github.com/peerswarm/lease-coordinator/internal/buffer"
	"github.com/peerswarm/lease-coordinator/internal/crash"
	"github.com/peerswarm/lease-coordinator/internal/lease"
	"github.com/peerswarm/lease-coordinator/internal/middleware"
	"github.com/peerswarm/lease-coordinator/internal/partition"
	"github.com/peerswarm/lease-coordinator/internal/reconcile"
	"github.com/peerswarm/lease-coordinator/internal/recovery"
	"github.com/peerswarm/lease-coordinator/internal/requeue"
	"github.com/peerswarm/lease-coordinator/internal/revocation"
	"github.com/peerswarm/lease-coordinator/internal/store"
	"github.com/peerswarm/lease-coordinator/internal/sweepers"
	"github.com/peerswarm/lease-coordinator/internal/tasks"
	"github.com/peerswarm/lease-coordinator/internal/types"
)

// Deps are the services behind the API. Buffer may be nil when results are
// never buffered.
type Deps struct {
	Store      store.Store
	Tasks      *tasks.Service
	Leases     *lease.Service
	Requeuer   *requeue.Requeuer
	Crash      *crash.Detector
	Revoker    *revocation.Revoker
	Partition  *partition.Detector
	Reconciler *reconcile.Engine
	Recovery   *recovery.Orchestrator
	Expiration *sweepers.ExpirationMonitor
	Buffer     *buffer.Buffer
	Audit      *audit.Writer
	Logger     *zerolog.Logger
}

// Handler serves the HTTP API
type Handler struct {
	Deps
	logger *zerolog.Logger
}

// New creates a Handler
func New(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http").Logger()
	return &Handler{Deps: deps, logger: &l}
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string `json:"error" jsonschema:"required"`
	Code    string `json:"code" jsonschema:"required"`
	Details any    `json:"details,omitempty"`
}

// respondError maps domain errors to a status and code. Unclassified errors
// are logged and reported as internal without their text.
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		inputErr   *types.InputError
		validation *types.ValidationError
		rejection  *types.RejectionError
		status     int
		code       string
		details    any
	)
	message := err.Error()

	switch {
	case errors.As(err, &inputErr):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.As(err, &validation):
		status, code, details = http.StatusUnprocessableEntity, "CAPABILITY_MISMATCH", validation.Result
	case errors.As(err, &rejection):
		status, code, details = http.StatusForbidden, string(rejection.Decision.Reason), rejection.Decision
	case errors.Is(err, types.ErrTaskNotFound), errors.Is(err, types.ErrLeaseNotFound), errors.Is(err, types.ErrNodeNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, types.ErrLeaseConflict):
		status, code = http.StatusConflict, "LEASE_CONFLICT"
	case errors.Is(err, types.ErrDuplicateKey):
		status, code = http.StatusConflict, "DUPLICATE_KEY"
	case errors.Is(err, types.ErrNotYetEligible):
		status, code = http.StatusConflict, "NOT_YET_ELIGIBLE"
	case errors.Is(err, types.ErrNodeUnavailable), errors.Is(err, types.ErrNodeAtCapacity):
		status, code = http.StatusConflict, "NODE_UNAVAILABLE"
	case errors.Is(err, types.ErrLeaseInactive):
		status, code = http.StatusConflict, "LEASE_INACTIVE"
	case errors.Is(err, types.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, reconcile.ErrBusy):
		status, code = http.StatusConflict, "BUSY"
	case errors.Is(err, types.ErrPartitioned):
		status, code = http.StatusServiceUnavailable, "PARTITIONED"
	case errors.Is(err, types.ErrBufferFull):
		status, code = http.StatusServiceUnavailable, "BUFFER_FULL"
	case errors.Is(err, types.ErrControlPlaneUnavailable):
		status, code = http.StatusServiceUnavailable, "CONTROL_PLANE_UNAVAILABLE"
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		status, code, message = http.StatusInternalServerError, "INTERNAL", "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message, Code: code, Details: details})
}

// bindError reports a malformed request body or query
func bindError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_INPUT"})
}

// callerPeer resolves the peer a request acts for. An authenticated peer may
// only act for itself.
func callerPeer(c *gin.Context, claimed string) (string, error) {
	authed := c.GetString(middleware.PeerIDKey)
	switch {
	case authed == "" && claimed == "":
		return "", &types.InputError{Field: "peerId", Msg: "required"}
	case authed == "":
		return claimed, nil
	case claimed != "" && claimed != authed:
		return "", &types.InputError{Field: "peerId", Msg: "does not match the authenticated peer"}
	}
	return authed, nil
}
