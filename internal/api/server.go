// Package api serves job status over HTTP: health, the job list, single
// job status, cancellation and the Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/countyops/assessorsync/internal/pipeline"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
)

const (
	// RequestIDHeader carries the request id in and out.
	RequestIDHeader = "X-Request-ID"

	healthTimeout   = 2 * time.Second
	shutdownTimeout = 10 * time.Second
	defaultLimit    = 50
	maxLimit        = 500
)

// Jobs is the job registry the API reads.
type Jobs interface {
	Get(ctx context.Context, id string) (pipeline.Status, error)
	List(ctx context.Context, limit int) ([]pipeline.Status, error)
	Cancel(id string) error
}

// Pinger checks the store connection.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the status API.
type Server struct {
	jobs    Jobs
	db      Pinger
	logger  *zap.Logger
	router  *gin.Engine
	started time.Time
}

// New builds the router. db may be nil, in which case health only reports
// that the process is up.
func New(jobs Jobs, db Pinger, l *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		jobs:    jobs,
		db:      db,
		logger:  logger.OrGlobal(l).With(zap.String("component", "api")),
		router:  gin.New(),
		started: time.Now(),
	}
	s.router.Use(requestID(), s.accessLog(), gin.Recovery())

	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	v1 := s.router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		jobs.GET("", s.listJobs)
		jobs.GET("/:id", s.getJob)
		jobs.POST("/:id/cancel", s.cancelJob)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, errors.KindConfig, "status API failed").WithDetail("addr", addr)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, errors.KindTimeout, "status API shutdown")
	}
	s.logger.Info("status API stopped")
	return nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			s.logger.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
		case status >= 400:
			s.logger.Warn("request rejected", fields...)
		default:
			s.logger.Debug("request served", fields...)
		}
	}
}

type errorBody struct {
	Error string      `json:"error"`
	Kind  errors.Kind `json:"kind,omitempty"`
}

// fail writes err with the status its kind maps to.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.IsKind(err, errors.KindConfig):
		status = http.StatusConflict
	case errors.IsKind(err, errors.KindCancelled), errors.IsKind(err, errors.KindTimeout):
		status = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), Kind: errors.KindOf(err)})
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["store"] = "ok"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listJobs(c *gin.Context) {
	limit := defaultLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}
	jobs, err := s.jobs.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	st, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.jobs.Cancel(id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": "cancelling"})
}
