package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentforge.dev/executor/internal/http/handler"
	"agentforge.dev/executor/internal/metrics"
)

func SetupRoutes(router *gin.Engine, execution *handler.ExecutionHandler, health *handler.HealthHandler) {
	router.GET("/health", health.Liveness)
	router.GET("/ready", health.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	runtime := router.Group("/agent-runtime")
	{
		runtime.POST("/invoke", execution.Invoke)
		runtime.GET("/state/:thread_id", execution.State)
		runtime.GET("/stream/:thread_id", execution.Stream)
		runtime.GET("/checkpoints/:thread_id", execution.Checkpoints)
	}
}
