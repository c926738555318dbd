// Package api serves the job pipeline over REST under /api/v1.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	corsMaxAge      = 12 * time.Hour
	shutdownTimeout = 10 * time.Second
)

// Config configures the REST server.
type Config struct {
	Port           string
	AllowedOrigins []string // empty allows any origin
	Version        string
}

// Server is the REST front end of a jobs.Service.
type Server struct {
	svc     *jobs.Service
	cfg     Config
	router  *gin.Engine
	metrics *httpMetrics
}

// New builds the router. Metrics go to a private registry so several servers
// can coexist in one process.
func New(svc *jobs.Service, cfg Config) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{svc: svc, cfg: cfg, metrics: newHTTPMetrics(reg)}
	s.router = s.routes(reg)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes(reg *prometheus.Registry) *gin.Engine {
	router := gin.New()

	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        corsMaxAge,
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.cfg.AllowedOrigins
	}
	router.Use(cors.New(cc))
	router.Use(requestLogger(), s.metrics.middleware(), gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.GET("/health", s.health)

	jobsGroup := v1.Group("/jobs")
	jobsGroup.GET("", s.listJobs)
	jobsGroup.POST("/search", s.searchJobs)
	jobsGroup.GET("/:id", s.getJob)
	jobsGroup.GET("/:id/events", s.jobEvents)
	jobsGroup.POST("/:id/apply", s.applyJob)
	jobsGroup.PUT("/:id/saved", s.setSaved)
	jobsGroup.POST("/:id/requeue", s.requeueJob)
	jobsGroup.DELETE("/:id", s.deleteJob)

	v1.GET("/stats", s.stats)

	runs := v1.Group("/runs")
	runs.POST("", s.startRun)
	runs.GET("", s.listRuns)
	runs.GET("/:id", s.getRun)

	v1.GET("/logs", s.logs)

	maint := v1.Group("/maintenance")
	maint.POST("/recover", s.recoverStuck)
	maint.POST("/cleanup", s.cleanup)

	v1.GET("/profile", s.getProfile)
	v1.PUT("/profile", s.putProfile)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return engine.E("api: serve", engine.CategoryInternal, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return engine.E("api: shutdown", engine.CategoryInternal, err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
		"user":    s.svc.User().Email,
	})
}

type errorBody struct {
	Category engine.Category `json:"category"`
	Message  string          `json:"message"`
}

// fail writes the error envelope with the category's status code.
func fail(c *gin.Context, err error) {
	failWith(c, err, nil)
}

// failWith writes the error envelope plus extra top-level fields.
func failWith(c *gin.Context, err error, extra gin.H) {
	status := engine.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("api: request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	_ = c.Error(err)
	body := gin.H{"error": errorBody{Category: engine.CategoryOf(err), Message: err.Error()}}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, op string, err error) {
	fail(c, engine.E(op, engine.CategoryValidation, err))
}
