// Package http wires the gin router: the signaling websocket endpoint and
// the ops API for inspecting and stopping conferences.
package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/focus/internal/adapters/signal"
	"github.com/dkeye/focus/internal/conference"
	"github.com/dkeye/focus/internal/config"
	"github.com/dkeye/focus/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every client a stable endpoint identity via
// the ct cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller, conferences *conference.Manager) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("FocusSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/conferences", func(c *gin.Context) {
		c.JSON(http.StatusOK, conferences.List())
	})

	api.DELETE("/conferences/:name", func(c *gin.Context) {
		name := domain.ConferenceName(c.Param("name"))
		if _, ok := conferences.Get(name); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such conference"})
			return
		}
		conferences.Stop(c.Request.Context(), name)
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	return r
}
