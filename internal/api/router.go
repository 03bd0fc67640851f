package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velinpetkov/eventnotify/internal/app"
	"github.com/velinpetkov/eventnotify/internal/handlers"
	"github.com/velinpetkov/eventnotify/internal/middleware"
	"github.com/velinpetkov/eventnotify/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(cfg *app.Config, engine *services.NotificationService, digest *services.DigestService, prefs *services.PreferenceService) (*gin.Engine, error) {
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	if engine == nil {
		return nil, errors.New("notification service must be provided")
	}
	if digest == nil {
		return nil, errors.New("digest service must be provided")
	}
	if prefs == nil {
		return nil, errors.New("preference service must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.GET("/health", handlers.Health())

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api/v1")
	registerNotificationRoutes(api, handlers.NewNotificationHandler(engine, digest), handlers.NewPreferenceHandler(prefs))

	return r, nil
}
