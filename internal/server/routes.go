package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/mirrorbox/mirrorbox/internal/server/ws"
	"github.com/mirrorbox/mirrorbox/internal/version"
)

func SetupRoutes(hub *ws.WebsocketHub) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(sloggin.New(slog.Default()))
	router.Use(gin.Recovery())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version.Version,
		})
	})

	v1 := router.Group("/api/v1")
	v1.GET("/events", hub.WebsocketHandler)

	return router
}
