// Package handler exposes the optional admin HTTP API: bot health and
// model inspection, per-user history management and a live websocket
// console of generation events.
package handler

import (
	"net/http"

	"unllamabot/internal/bot"
	"unllamabot/internal/config"
	"unllamabot/internal/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// API holds the dependencies of the admin HTTP handlers.
type API struct {
	bot *bot.Bot
	cfg config.AdminAPIConfig
	log *zap.Logger
}

func NewAPI(b *bot.Bot, cfg config.AdminAPIConfig, log *zap.Logger) *API {
	return &API{bot: b, cfg: cfg, log: log}
}

// Router assembles the gin engine with all admin routes.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))
	router.Use(middleware.RateLimitMiddleware(a.cfg.RequestsPerSecond))

	router.POST("/login", a.Login)

	protected := router.Group("/api").Use(middleware.AuthMiddleware(a.cfg.JWTSecret))
	{
		protected.GET("/health", a.Health)
		protected.GET("/model", a.Model)
		protected.GET("/users", a.Users)
		protected.GET("/users/:id/history", a.UserHistory)
		protected.DELETE("/users/:id/history", a.ClearUserHistory)
		protected.PUT("/system-prompt", a.SystemPrompt)
	}

	router.GET("/ws/console", a.Console)
	return router
}

// Serve runs the admin API on the configured address.
func (a *API) Serve() error {
	a.log.Info("admin API listening", zap.String("addr", a.cfg.Listen))
	server := &http.Server{Addr: a.cfg.Listen, Handler: a.Router()}
	return server.ListenAndServe()
}
