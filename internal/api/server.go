// Package api exposes the chat command endpoint, trade-ticket workflow and
// eval dashboards over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantpilot/quantpilot/internal/command"
	"github.com/quantpilot/quantpilot/internal/evals"
	"github.com/quantpilot/quantpilot/internal/store"
)

// Config carries the listener settings.
type Config struct {
	Host        string
	Port        int
	Version     string
	Environment string
}

// Server wires the REST surface to the dispatcher, store and eval registry.
type Server struct {
	engine     *gin.Engine
	http       *http.Server
	store      *store.Store
	dispatcher *command.Dispatcher
	evals      *evals.Registry
	cfg        Config
	startedAt  time.Time
}

// New builds the server and registers all routes.
func New(s *store.Store, dispatcher *command.Dispatcher, registry *evals.Registry, cfg Config) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestID(), requestLogger(), gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	}))

	srv := &Server{
		engine:     engine,
		store:      s,
		dispatcher: dispatcher,
		evals:      registry,
		cfg:        cfg,
		startedAt:  time.Now().UTC(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/chat/command", s.handleCommand)

	tickets := v1.Group("/tickets")
	tickets.GET("/pending", s.handlePendingTickets)
	tickets.GET("/by-run/:run_id", s.handleTicketByRun)
	tickets.GET("/:id", s.handleTicket)
	tickets.POST("/:id/receipt", s.handleTicketReceipt)
	tickets.POST("/:id/cancel", s.handleTicketCancel)

	ev := v1.Group("/evals")
	ev.GET("/run/:id", s.handleEvalRun)
	ev.GET("/run/:id/details", s.handleEvalRunDetails)
	ev.POST("/run/:id/explain", s.handleEvalExplain)
	ev.GET("/summary", s.handleEvalSummary)
	ev.GET("/dashboard", s.handleEvalSummary)
	ev.GET("/conversations/:conversation_id", s.handleEvalConversation)
	ev.GET("/definitions", s.handleEvalDefinitions)
	ev.GET("/definitions/:name", s.handleEvalDefinition)

	v1.GET("/runs", s.handleRuns)
	v1.GET("/runs/:id", s.handleRun)
}

// Handler exposes the engine for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving in a goroutine.
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", s.http.Addr).Msg("API server started")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	log.Info().Msg("Shutting down API server")
	return s.http.Shutdown(ctx)
}

// requestID tags every request; an inbound X-Request-ID is honored so callers
// can correlate retries.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(started)).
			Str("request_id", c.GetString("request_id")).
			Msg("Request handled")
	}
}
