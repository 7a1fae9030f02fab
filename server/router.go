package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(logger *zap.Logger, h *Handler, metrics *Metrics) *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware(), zapLoggerMiddleware(logger, metrics), gin.Recovery())

	r.POST("/analyze", h.Analyze)
	r.POST("/rate", h.Rate)
	r.POST("/train", h.Train)
	r.GET("/health", HealthHandler)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}
