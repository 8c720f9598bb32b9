// Package server exposes the predictor over HTTP.
package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
)

func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health-check", h.HealthCheckHandler)
	r.POST("/predictions", h.PredictHandler)
	r.StaticFS("/outputs", afero.NewHttpFs(h.Fs).Dir(h.OutputDir))
}

// NewEngine returns a gin engine with recovery, request logging through
// slog and the prediction routes.
func NewEngine(mode string, h *Handler) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.MaxMultipartMemory = 32 << 20
	RegisterRoutes(r, h)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
			"client_ip", c.ClientIP(),
		)
	}
}
