// Package http exposes the local control plane for voice connections.
package http

import (
	nethttp "net/http"
	"time"

	"github.com/dkeye/revoice/internal/app"
	"github.com/dkeye/revoice/internal/config"
	"github.com/dkeye/revoice/internal/media"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Manager *app.Manager
	// NewPlayer builds the player attached to a room on first playback.
	NewPlayer func() *media.Player
	// Client fetches remote streams for playback by URL.
	Client *nethttp.Client
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if deps.Client == nil {
		deps.Client = nethttp.DefaultClient
	}
	h := &handlers{
		mgr:          deps.Manager,
		newPlayer:    deps.NewPlayer,
		client:       deps.Client,
		limiter:      NewRoomRateLimiter(cfg.Control.RateLimit, cfg.Control.RateInterval),
		autoLeave:    cfg.Voice.AutoLeave,
		readyTimeout: readyTimeout(cfg),
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/rooms", h.listRooms)
	api.POST("/rooms/:id/join", h.joinRoom)
	api.DELETE("/rooms/:id", h.leaveRoom)
	api.GET("/rooms/:id/members", h.members)
	api.POST("/rooms/:id/play", h.play)
	api.POST("/rooms/:id/pause", h.pause)
	api.POST("/rooms/:id/resume", h.resume)
	api.POST("/rooms/:id/stop", h.stop)
	api.POST("/rooms/:id/seek", h.seek)
	api.POST("/rooms/:id/restart", h.restart)
	api.POST("/rooms/:id/volume", h.volume)
	api.GET("/users/:id", h.user)

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func readyTimeout(cfg *config.Config) time.Duration {
	if cfg.Voice.ReadyTimeout > 0 {
		return cfg.Voice.ReadyTimeout
	}
	return 15 * time.Second
}
