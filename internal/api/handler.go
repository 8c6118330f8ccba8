// Package api is the operator HTTP surface of the Brain.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
)

type Config struct {
	Addr                 string
	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string
	TokenTTL             time.Duration
	RateLimitPerSecond   float64
	RateLimitBurst       int
	RequestTimeout       time.Duration
}

// Server wires HTTP endpoints around the operator service.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	Metrics *monitor.Recorder

	cfg Config
	log zerolog.Logger
}

func NewServer(svc engine.Service, bus *events.Bus, rec *monitor.Recorder, cfg Config, log zerolog.Logger) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	log = log.With().Str("component", "api").Logger()

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, rec))
	r.Use(RateLimitMiddleware(newIPLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst), log))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout, log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:  r,
		Engine:  svc,
		Bus:     bus,
		Metrics: rec,
		cfg:     cfg,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", s.login)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.cfg.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/risk", s.getRisk)
			protected.GET("/events", s.getEvents)
			protected.GET("/events/stream", s.streamEvents)
			protected.GET("/executions", s.getExecutions)

			protected.POST("/halt/clear", s.clearHalt)
			protected.POST("/risk/drawdown/reset", s.resetDrawdown)
			protected.POST("/risk/breakers/:symbol/reset", s.resetBreaker)
			protected.POST("/mode/shadow", s.forceShadow)
			protected.POST("/drift/rebase", s.rebaseDrift)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.GetSystemStatus(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": st.Mode, "halted": st.Halted, "link": st.Link})
}

// ListenAndServe runs until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("operator api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
