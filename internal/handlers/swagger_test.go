package handlers

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func TestSwaggerHandlerBuilds(t *testing.T) {
	handler := ginSwagger.WrapHandler(swaggerFiles.Handler)
	assert.NotNil(t, handler)
}

// TestRegister_Routes checks that every documented route is mounted
func TestRegister_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	assert.NotPanics(t, func() {
		New(Deps{}).Register(router, RouteOptions{InternalAPIKey: "k"})
	})

	mounted := map[string]bool{}
	for _, route := range router.Routes() {
		mounted[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"GET /docs/*any",
		"POST /v1/leases",
		"POST /v1/leases/ack",
		"POST /v1/results",
		"POST /v1/nodes",
		"POST /v1/nodes/heartbeat",
		"POST /v1/tasks",
		"GET /v1/tasks/:taskId",
		"GET /v1/stats",
		"POST /v1/admin/tasks/:taskId/requeue",
		"POST /v1/admin/peers/:peerId/revoke",
		"POST /v1/admin/recovery",
		"POST /v1/admin/buffer/flush",
		"GET /v1/admin/audit/export",
	} {
		assert.True(t, mounted[want], "route %s should be registered", want)
	}
}
