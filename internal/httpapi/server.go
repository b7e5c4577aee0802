// Package httpapi exposes the attendance engine, QR tokens and engagement
// signals over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"smartclassroom/internal/attendance"
	"smartclassroom/internal/clock"
	"smartclassroom/internal/engagement"
	"smartclassroom/internal/httpmiddleware"
	"smartclassroom/internal/qrtoken"
)

// Deps are the collaborators of the router.
type Deps struct {
	Engine     *attendance.Engine
	Tokens     *qrtoken.Service
	Engagement *engagement.Service
	Clock      clock.Clock
	Logger     *zap.Logger
	// Gatherer backs /metrics; nil means the default registry.
	Gatherer prometheus.Gatherer
	// Checks are probed by /healthz, keyed by component name.
	Checks map[string]func(context.Context) error
	// Limiter guards the public verification endpoints when set.
	Limiter     *httpmiddleware.TokenBucket
	CORSOrigins []string
	Production  bool
}

type handlers struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.NewSystem(time.UTC)
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{Deps: d, log: d.Logger.Named("http")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(h.log, "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(d.CORSOrigins)))
	r.Use(httpmiddleware.SecurityHeaders(d.Production))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.health)

	var limited []gin.HandlerFunc
	if d.Limiter != nil {
		limited = append(limited, d.Limiter.GinMiddleware())
	}
	with := func(fn gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, limited...), fn)
	}

	v1 := r.Group("/v1")

	att := v1.Group("/attendance")
	att.POST("/verify", with(h.verify)...)
	att.POST("/batch", with(h.verifyBatch)...)
	att.GET("/:class_id", h.listRecords)
	att.GET("/:class_id/report", h.report)
	att.GET("/:class_id/by-period", h.byPeriod)
	att.PATCH("/records/:id", h.correctRecord)
	att.DELETE("/records/:id", h.deleteRecord)

	qr := v1.Group("/qr")
	qr.POST("/generate", h.generateQR)
	qr.POST("/verify-code", with(h.verifyCode)...)
	qr.GET("/code/:class_id", h.currentCode)
	qr.GET("/class/:class_id/periods", h.periods)
	qr.GET("/validate/:token", h.validateToken)
	qr.GET("/:token/image", h.qrImage)
	qr.DELETE("/:token", h.revokeToken)

	classes := v1.Group("/classes")
	classes.POST("", h.createClass)
	classes.GET("/active", h.activeClasses)
	classes.GET("/:class_id", h.getClass)
	classes.PUT("/:class_id", h.updateClass)
	classes.POST("/:class_id/end", h.endClass)
	classes.DELETE("/:class_id", h.deleteClass)
	classes.GET("/:class_id/stats", h.classStats)

	students := v1.Group("/students")
	students.POST("", h.enroll)
	students.GET("", h.listStudents)
	students.GET("/:id/attendance", h.history)
	students.PUT("/:id/photo", h.updatePhoto)
	students.DELETE("/:id", h.deactivate)

	emotions := v1.Group("/emotions")
	emotions.POST("", h.recordEmotion)
	emotions.POST("/analyze", h.analyzeEmotion)
	emotions.GET("/class/:class_id/summary", h.emotionSummary)
	emotions.GET("/students/:id/timeline", h.emotionTimeline)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Accept", "Authorization", httpmiddleware.RequestIDHeader)
	cfg.ExposeHeaders = []string{httpmiddleware.RequestIDHeader, "Retry-After"}
	cfg.MaxAge = 24 * time.Hour
	return cfg
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			h.log.Warn("health check failed", zap.String("component", name), zap.Error(err))
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
