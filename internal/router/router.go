package router

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/middleware"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/validator"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// Handlers groups the route sets by audience. Admin handlers are mounted
// under /admin behind the admin token check.
type Handlers struct {
	Health Handler
	Public []Handler
	Admin  []Handler
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	handlers Handlers
	config   RouterConfig
	metrics  *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	errorTotal      *prometheus.CounterVec
}

type RouterConfig struct {
	RateLimitEnabled bool
	RateLimit        rate.Limit
	RateBurst        int
	CORSConfig       middleware.CORSConfig
	SizeLimit        middleware.SizeLimitConfig
	RequestTimeout   time.Duration
	// AdminTimeout bounds admin requests, which may scan every account.
	AdminTimeout  time.Duration
	MetricsPrefix string
	// Registerer receives the HTTP metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

func NewRouter(log *logger.Logger, auth *middleware.AuthMiddleware, handlers Handlers, config RouterConfig) (*Router, error) {
	if err := validator.Register(); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	engine := gin.New()

	r := &Router{
		engine:   engine,
		auth:     auth,
		handlers: handlers,
		config:   config,
		metrics:  initRouterMetrics(config.MetricsPrefix, config.Registerer),
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.ErrorHandler(log),
		r.metricsMiddleware(),
		middleware.CORS(config.CORSConfig),
		middleware.SizeLimit(config.SizeLimit),
	)

	if config.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:    config.RateLimit,
			Burst:   config.RateBurst,
			IdleTTL: 10 * time.Minute,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	r.setup()
	return r, nil
}

func (r *Router) setup() {
	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	if r.handlers.Health != nil {
		r.handlers.Health.RegisterRoutes(api)
	}

	public := api.Group("")
	public.Use(middleware.Timeout(middleware.TimeoutConfig{Duration: r.config.RequestTimeout}))
	for _, h := range r.handlers.Public {
		h.RegisterRoutes(public)
	}

	admin := api.Group("/admin")
	admin.Use(
		r.auth.RequireAdmin(),
		middleware.Timeout(middleware.TimeoutConfig{Duration: r.config.AdminTimeout}),
	)
	for _, h := range r.handlers.Admin {
		h.RegisterRoutes(admin)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func initRouterMetrics(prefix string, reg prometheus.Registerer) *routerMetrics {
	if prefix == "" {
		prefix = "billing_http"
	}
	f := promauto.With(reg)
	return &routerMetrics{
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		requestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_errors_total",
				Help: "Total number of HTTP errors",
			},
			[]string{"method", "path", "type"},
		),
	}
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := fmt.Sprintf("%d", c.Writer.Status())
		duration := time.Since(start).Seconds()

		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()

		switch {
		case c.Writer.Status() >= 500:
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "server").Inc()
		case c.Writer.Status() >= 400:
			r.metrics.errorTotal.WithLabelValues(c.Request.Method, path, "client").Inc()
		}
	}
}
