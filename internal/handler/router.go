package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/clock"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/realtime"
	"qrattend/internal/store"
)

// Config is the HTTP surface's share of the app configuration.
type Config struct {
	JWTIssuer      string
	JWTSigningKey  string
	AllowedOrigins []string
	Production     bool
}

// Deps are the collaborators behind the routes. Redis, Limiter and
// Gatherer are optional.
type Deps struct {
	Service  *attendance.Service
	Hub      *realtime.Hub
	Limiter  *httpmiddleware.SimpleTokenBucket
	Redis    *store.Redis
	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Handler serves the attendance API.
type Handler struct {
	svc    *attendance.Service
	hub    *realtime.Hub
	redis  *store.Redis
	clock  clock.Clock
	logger *slog.Logger
}

// NewRouter wires middleware and routes.
func NewRouter(cfg Config, d Deps) *gin.Engine {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{svc: d.Service, hub: d.Hub, redis: d.Redis, clock: d.Clock, logger: d.Logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	r.Use(securityHeaders(cfg.Production))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.Healthz)

	instructor := auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleInstructor)
	student := auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent)

	v1 := r.Group("/v1")
	{
		sessions := v1.Group("/sessions", instructor)
		sessions.POST("", h.StartSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.POST("/:id/close", h.CloseSession)

		v1.POST("/students", instructor, h.RegisterStudent)
		v1.GET("/attendance/recent", instructor, h.RecentAttendees)

		scan := []gin.HandlerFunc{student}
		if d.Limiter != nil {
			scan = append(scan, d.Limiter.GinMiddleware(callerKey))
		}
		scan = append(scan, h.Scan)
		v1.POST("/attendance/scan", scan...)

		if d.Hub != nil {
			v1.GET("/ws", instructor, h.Display)
		}
	}
	return r
}

// callerKey charges authenticated requests to their subject so that
// students behind one campus NAT do not share a bucket.
func callerKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return claims.Role + ":" + claims.Subject
	}
	return c.ClientIP()
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// OriginChecker returns a websocket origin policy matching the CORS
// allow-list. Requests without an Origin header are not from browsers
// and are allowed.
func OriginChecker(origins []string) func(r *http.Request) bool {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowAll || origin == "" || slices.Contains(origins, origin)
	}
}

func securityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if production {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
