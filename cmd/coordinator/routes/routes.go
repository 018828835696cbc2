// Package routes wires the coordinator's HTTP surface onto echo.
package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ronkeiser/wonder/cmd/coordinator/handlers"
)

// Register registers every coordinator endpoint. Run commands are keyed by
// run id; task callbacks also carry the token id in the path.
func Register(e *echo.Echo, h *handlers.Handler) {
	runs := e.Group("/v1/runs")
	{
		runs.POST("/:id/start", h.Start)
		runs.POST("/:id/cancel", h.Cancel)
		runs.POST("/:id/subworkflow-result", h.SubworkflowResult)
		runs.POST("/:id/subworkflow-error", h.SubworkflowError)

		runs.POST("/:id/tokens/:token_id/result", h.TaskResult)
		runs.POST("/:id/tokens/:token_id/error", h.TaskError)
		runs.POST("/:id/tokens/:token_id/executing", h.MarkExecuting)
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "coordinator",
		})
	})
}
