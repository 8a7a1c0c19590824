package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peerswarm/lease-coordinator/internal/types"
)

// CreateTaskResponse reports the stored task and whether this call created it
type CreateTaskResponse struct {
	Task    *types.Task `json:"task" jsonschema:"required"`
	Created bool        `json:"created" jsonschema:"required"`
}

// ListTasksRequest represents query parameters for listing tasks
type ListTasksRequest struct {
	Status string `form:"status" json:"status" binding:"required" jsonschema:"enum=QUEUED,enum=LEASED,enum=RUNNING,enum=COMPLETED,enum=FAILED,enum=EXPIRED,enum=PERMANENTLY_FAILED"`
	Limit  int    `form:"limit" json:"limit" binding:"omitempty,min=1,max=500" jsonschema:"minimum=1,maximum=500"`
}

// ListTasksResponse is a page of tasks in one status
type ListTasksResponse struct {
	Tasks []types.Task `json:"tasks" jsonschema:"required"`
	Total int          `json:"total" jsonschema:"required"`
}

// CreateTask creates a task, collapsing repeats of an idempotency key
// @Summary Create a task
// @Description Creates a QUEUED task. Repeating an idempotency key returns the existing task with 200.
// @Tags tasks
// @Accept json
// @Produce json
// @Param task body types.NewTask true "Task"
// @Success 201 {object} CreateTaskResponse
// @Success 200 {object} CreateTaskResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse "Control plane partitioned"
// @Router /v1/tasks [post]
func (h *Handler) CreateTask(c *gin.Context) {
	var req types.NewTask
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	task, created, err := h.Tasks.CreateWithDedup(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, CreateTaskResponse{Task: task, Created: created})
}

// GetTask returns one task
// @Summary Get a task
// @Tags tasks
// @Produce json
// @Param taskId path string true "Task ID"
// @Success 200 {object} types.Task
// @Failure 404 {object} ErrorResponse
// @Router /v1/tasks/{taskId} [get]
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.Tasks.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks lists tasks in a status, oldest first
// @Summary List tasks by status
// @Tags tasks
// @Produce json
// @Param status query string true "Task status" Enums(QUEUED, LEASED, RUNNING, COMPLETED, FAILED, EXPIRED, PERMANENTLY_FAILED)
// @Param limit query int false "Number of items to return" default(100) minimum(1) maximum(500)
// @Success 200 {object} ListTasksResponse
// @Failure 400 {object} ErrorResponse
// @Router /v1/tasks [get]
func (h *Handler) ListTasks(c *gin.Context) {
	var req ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}

	list, err := h.Tasks.List(c.Request.Context(), types.TaskStatus(req.Status), req.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListTasksResponse{Tasks: list, Total: len(list)})
}
