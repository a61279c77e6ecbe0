package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openbenchlab/psuwatch/internal/api/websocket"
	"github.com/openbenchlab/psuwatch/internal/auth"
	"github.com/openbenchlab/psuwatch/internal/config"
	"github.com/openbenchlab/psuwatch/internal/instrument"
	"github.com/openbenchlab/psuwatch/internal/storage"
	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"go.uber.org/zap"
)

// Supervisor is the slice of the watchdog the command intake needs.
type Supervisor interface {
	Enqueue(a watchdog.Action)
	SetInterval(d time.Duration) time.Duration
	SetLimits(ch int, soft, hard float64) error
	Snapshot() watchdog.Snapshot
}

type Server struct {
	router      *gin.Engine
	supervisor  Supervisor
	profile     *instrument.Profile
	sink        watchdog.Sink
	history     *storage.PostgresClient // nil when persistence is disabled
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
	commands    *CommandValidator
	resource    string // default instrument resource from config
}

func NewServer(
	cfg *config.Config,
	supervisor Supervisor,
	profile *instrument.Profile,
	sink watchdog.Sink,
	history *storage.PostgresClient,
	logger *zap.Logger,
	wsHub *websocket.Hub,
	authService *auth.Service,
) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	commands, err := NewCommandValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build command validator: %w", err)
	}

	s := &Server{
		router:      gin.New(),
		supervisor:  supervisor,
		profile:     profile,
		sink:        sink,
		history:     history,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		commands:    commands,
		resource:    cfg.Instrument.Resource,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.login)

		// ==================== PSU CONTROL (AUTHENTICATED) ====================
		psu := v1.Group("/psu")
		psu.Use(s.authService.AuthMiddleware())
		{
			psu.GET("/status", s.getStatus)
			psu.GET("/profile", s.getProfile)

			psu.POST("/connect", s.connect)
			psu.POST("/disconnect", s.disconnect)
			psu.POST("/master", s.setMaster)
			psu.POST("/interval", s.setInterval)

			psu.POST("/channels/:ch/setpoint", s.setChannelSetpoint)
			psu.POST("/channels/:ch/toggle", s.toggleChannel)
			psu.POST("/channels/:ch/limits", s.setChannelLimits)
		}

		// ==================== HISTORY (AUTHENTICATED) ====================
		events := v1.Group("/events")
		events.Use(s.authService.AuthMiddleware())
		{
			events.GET("", s.listEvents)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
