package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/ragserver/internal/infra/config"
)

// NewRouter wires up the HTTP handlers and returns a configured server.
func NewRouter(cfg *config.Config, handler *Handler) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	limits := RateLimits{
		Enabled:  cfg.HTTP.RateLimits.Enabled,
		Standard: cfg.HTTP.RateLimits.Standard,
		Chat:     cfg.HTTP.RateLimits.Chat,
		Upload:   cfg.HTTP.RateLimits.Upload,
		Admin:    cfg.HTTP.RateLimits.Admin,
	}
	limiter := newPrincipalLimiter()
	cache := newTokenCache(cfg.Auth.TokenCacheTTL)
	authn := authMiddleware(handler.authSvc, cache)
	limit := func(class routeClass) gin.HandlerFunc {
		return rateLimitMiddleware(limits, limiter, class, handler.logger)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		errorHandlingMiddleware(handler.logger),
		requestLogger(handler.logger),
		corsMiddleware(),
	)

	api := router.Group("/api")
	{
		health := api.Group("/health")
		{
			health.GET("/live", handler.health.Live)
			health.GET("/ready", handler.health.Ready)
		}

		authRoutes := api.Group("/auth")
		authRoutes.Use(limit(classStandard))
		{
			authRoutes.POST("/register", handler.Register)
			authRoutes.POST("/login", handler.Login)
			authRoutes.POST("/refresh", handler.Refresh)
			authRoutes.GET("/oidc/login", handler.OIDCLogin)
			authRoutes.GET("/oidc/callback", handler.OIDCCallback)
		}

		protected := api.Group("/")
		protected.Use(authn)
		{
			account := protected.Group("/auth")
			account.Use(limit(classStandard))
			{
				account.POST("/logout", handler.Logout)
				account.GET("/me", handler.Profile)
			}

			chatRoutes := protected.Group("/chat")
			{
				chatRoutes.GET("/conversations", limit(classStandard), handler.ListConversations)
				chatRoutes.POST("/conversations", limit(classStandard), handler.CreateConversation)
				chatRoutes.GET("/conversations/:id", limit(classStandard), handler.GetConversation)
				chatRoutes.PATCH("/conversations/:id", limit(classStandard), handler.UpdateConversation)
				chatRoutes.DELETE("/conversations/:id", limit(classStandard), handler.DeleteConversation)
				chatRoutes.POST("/conversations/:id/messages", limit(classChat), handler.SendMessage)
			}

			ragRoutes := protected.Group("/rag")
			{
				ragRoutes.GET("/collections", limit(classStandard), handler.ListCollections)
				ragRoutes.POST("/collections", limit(classStandard), handler.CreateCollection)
				ragRoutes.PATCH("/collections/:id", limit(classStandard), handler.UpdateCollection)
				ragRoutes.DELETE("/collections/:id", limit(classStandard), handler.DeleteCollection)
				ragRoutes.POST("/documents/upload", limit(classUpload), handler.UploadDocument)
				ragRoutes.POST("/documents", limit(classUpload), handler.CreateDocument)
				ragRoutes.GET("/documents", limit(classStandard), handler.ListDocuments)
				ragRoutes.GET("/documents/:id", limit(classStandard), handler.GetDocument)
				ragRoutes.GET("/documents/:id/status", limit(classStandard), handler.DocumentStatus)
				ragRoutes.DELETE("/documents/:id", limit(classStandard), handler.DeleteDocument)
				ragRoutes.POST("/documents/:id/reingest", limit(classUpload), handler.ReingestDocument)
				ragRoutes.POST("/search", limit(classStandard), handler.Search)
			}

			mcpRoutes := protected.Group("/mcp")
			mcpRoutes.Use(requireAdmin(), limit(classAdmin))
			{
				mcpRoutes.GET("/tools", handler.ListTools)
			}

			adminRoutes := protected.Group("/admin")
			adminRoutes.Use(requireAdmin(), limit(classAdmin))
			{
				adminRoutes.GET("/settings", handler.GetSettings)
				adminRoutes.PUT("/settings", handler.UpdateSettings)
			}
		}
	}

	var writeTimeout time.Duration
	if cfg.HTTP.WriteTimeout > 0 {
		writeTimeout = cfg.HTTP.WriteTimeout
	}
	return &http.Server{
		Addr:           cfg.HTTP.Address,
		Handler:        router,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   writeTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}
