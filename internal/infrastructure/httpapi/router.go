// Package httpapi exposes the read-only operational endpoints: health,
// room listing and prometheus metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"roomcast/internal/core/services"
)

type Options struct {
	PrometheusEnabled bool
}

type API struct {
	registry  *services.RoomRegistry
	tracker   *services.ResourceTracker
	sessions  *services.SessionStore
	opts      Options
	startTime time.Time
	logger    *zap.SugaredLogger
}

func New(registry *services.RoomRegistry, tracker *services.ResourceTracker, sessions *services.SessionStore, opts Options, logger *zap.SugaredLogger) *API {
	return &API{
		registry:  registry,
		tracker:   tracker,
		sessions:  sessions,
		opts:      opts,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Router builds the gin engine with all routes attached.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())

	router.GET("/health", a.health)
	router.GET("/rooms", a.rooms)
	if a.opts.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now(),
		"uptime":      time.Since(a.startTime).String(),
		"connections": a.sessions.Count(),
	})
}

type roomView struct {
	Name      string    `json:"name"`
	Members   int       `json:"members"`
	Producers int       `json:"producers"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a *API) rooms(c *gin.Context) {
	infos := a.registry.Snapshot()
	views := make([]roomView, 0, len(infos))
	for _, info := range infos {
		views = append(views, roomView{
			Name:      info.Name,
			Members:   info.Members,
			Producers: a.tracker.ProducerCount(info.Name),
			CreatedAt: info.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": views})
}
