package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/iris-serving/internal/api/handler"
	"github.com/cuongbtq/iris-serving/internal/observability"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, metrics *observability.Metrics) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware(metrics))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health.Healthy(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "iris-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "iris-api-service",
		})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	predictHandler := handler.NewPredictHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	r.POST("/predict", predictHandler.Predict)

	batch := r.Group("/predict_batch")
	{
		batch.POST("", jobHandler.SubmitBatch)
		batch.GET("", jobHandler.ListJobs)
		batch.GET("/:task_id", jobHandler.GetBatch)
	}

	return r
}
