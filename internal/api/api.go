package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/andresuchdata/chunkup/internal/api/handlers"
	"github.com/andresuchdata/chunkup/internal/api/middleware"
	"github.com/andresuchdata/chunkup/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Services struct {
	UploadService *service.UploadService
}

func NewRouter(services *Services, allowedOrigins []string) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	defaultOrigins := []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	corsConfig := cors.Config{
		AllowOrigins: defaultOrigins,
		AllowMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization", "Content-Range",
			handlers.HeaderChunkIndex, handlers.HeaderTotalChunks, handlers.HeaderObjectPath,
			handlers.HeaderUploadSize, middleware.RequestIDHeader,
		},
		ExposeHeaders:    []string{"Content-Length", "Range", "Accept-Ranges", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		normalizedOrigins, allowAll := normalizeAllowedOrigins(allowedOrigins)
		if allowAll {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowOriginFunc = func(origin string) bool { return true }
		} else if len(normalizedOrigins) > 0 {
			corsConfig.AllowOrigins = normalizedOrigins
		}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if services != nil && services.UploadService != nil {
		objectHandler := handlers.NewObjectHandler(services.UploadService)
		registerObjectRoutes(router.Group("/objects"), objectHandler)
		registerObjectRoutes(router.Group("/api/objects"), objectHandler)
	}

	return router
}

func registerObjectRoutes(group *gin.RouterGroup, h *handlers.ObjectHandler) {
	group.HEAD("", h.Probe)
	group.POST("", h.PutChunk)
	group.GET("", h.List)
	group.GET("/*path", h.Get)
	group.DELETE("/*path", h.Delete)
}

func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		parts := strings.Split(origin, ",")
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if trimmed == "*" {
				allowAll = true
				continue
			}
			parsed = append(parsed, trimmed)
		}
	}
	return parsed, allowAll
}
