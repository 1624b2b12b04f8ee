package router

import (
	"net/http"

	"github.com/cuongbtq/constellation/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.CORSOrigins))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    deps.ServiceName,
			"version": deps.Version,
			"status":  "running",
		})
	})

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   deps.ServiceName,
			"event_bus": deps.Bus != nil,
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	eventHandler := handler.NewEventHandler(deps)

	jobs := r.Group("/jobs")
	{
		// POST /jobs - Create a new job
		jobs.POST("", jobHandler.CreateJob)

		// GET /jobs - List jobs, newest first
		jobs.GET("", jobHandler.ListJobs)

		// GET /jobs/:job_id - Get job details
		jobs.GET("/:job_id", jobHandler.GetJob)

		// PUT /jobs/:job_id - Partially update a job
		jobs.PUT("/:job_id", jobHandler.UpdateJob)

		// DELETE /jobs/:job_id - Delete a job
		jobs.DELETE("/:job_id", jobHandler.DeleteJob)
	}

	// GET /events - Server-sent job events
	r.GET("/events", eventHandler.StreamEvents)

	return r
}
